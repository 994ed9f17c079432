// Package config holds the flat key/value options the server is configured
// with. Keys are case-insensitive. Options are read once at startup and turned
// into immutable structs by the packages that own them.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Recognized option keys.
const (
	KeyService            = "service"
	KeyCreateRegistry     = "createregistry"
	KeyConnectionClass    = "connectionclass"
	KeyTimeoutInterval    = "timeoutinterval"
	KeyTimeout            = "timeout"
	KeyPort               = "port"
	KeyPorts              = "ports"
	KeyCompressed         = "compressed"
	KeySSL                = "ssl"
	KeyClientAuth         = "clientauth"
	KeyKeyStore           = "keystore"
	KeyTrustStore         = "truststore"
	KeyKeyStorePassword   = "keystorepassword"
	KeyTrustStorePassword = "truststorepassword"
	KeyCipherSuites       = "ciphersuites"
	KeyProtocols          = "protocols"
	KeyCSF                = "csf"
	KeySSF                = "ssf"
	KeyCompression        = "compression"
	KeyLogDir             = "logdir"
	KeyLogLevel           = "loglevel"
	KeySerialStore        = "serialstore"
	KeyRedis              = "redis"
	KeySerialInterval     = "serialinterval"
	KeyDatabase           = "database"
	KeyPoolSize           = "poolsize"
	KeyMetrics            = "metrics"
	KeyUsers              = "users"
	KeyClasses            = "classes"
)

// Options is a flat, case-insensitive key/value configuration.
type Options map[string]string

// New copies m into an Options, lower-casing the keys.
func New(m map[string]string) Options {
	o := make(Options, len(m))
	for k, v := range m {
		o[normalize(k)] = strings.TrimSpace(v)
	}
	return o
}

// Parse builds Options from KEY=VALUE arguments, as given on a command line.
//
// Parameters:
//   - args: Arguments of the form key=value
//
// Returns:
//   - The parsed Options
//   - An error naming the first argument without '='
func Parse(args []string) (Options, error) {
	o := make(Options, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("config: malformed option %q, want key=value", arg)
		}
		o[normalize(k)] = strings.TrimSpace(v)
	}
	return o, nil
}

// Load reads one section of an ini file. An empty section selects the
// unnamed default section.
//
// Parameters:
//   - path: The ini file to read
//   - section: The section name, or "" for the default section
//
// Returns:
//   - The section's keys as Options
//   - An error if the file cannot be read or the section does not exist
func Load(path, section string) (Options, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
	}

	if section == "" {
		section = ini.DefaultSection
	}

	sec, err := file.GetSection(section)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	o := make(Options, len(sec.Keys()))
	for _, key := range sec.Keys() {
		o[normalize(key.Name())] = strings.TrimSpace(key.String())
	}
	return o, nil
}

// Merge returns a copy of o overridden by every key set in other.
func (o Options) Merge(other Options) Options {
	merged := make(Options, len(o)+len(other))
	for k, v := range o {
		merged[k] = v
	}
	for k, v := range other {
		merged[normalize(k)] = v
	}
	return merged
}

// Has reports whether key is set to a non-empty value.
func (o Options) Has(key string) bool {
	return o[normalize(key)] != ""
}

// String returns the value for key or def when unset.
func (o Options) String(key, def string) string {
	if v, ok := o[normalize(key)]; ok && v != "" {
		return v
	}
	return def
}

// Bool parses key as a boolean ("true", "1", "yes", "on" and their negations).
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[normalize(key)]
	if !ok || v == "" {
		return def, nil
	}

	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return def, fmt.Errorf("config: option %s: invalid boolean %q", key, v)
}

// Int parses key as a decimal integer.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[normalize(key)]
	if !ok || v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("config: option %s: invalid integer %q", key, v)
	}
	return n, nil
}

// Millis parses key as a number of milliseconds. Negative values are rejected.
func (o Options) Millis(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[normalize(key)]
	if !ok || v == "" {
		return def, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def, fmt.Errorf("config: option %s: invalid milliseconds %q", key, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// List splits key on commas, trimming blanks and dropping empty entries.
func (o Options) List(key string) []string {
	v := o[normalize(key)]
	if v == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Keys returns the set keys in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
