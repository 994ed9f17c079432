// Package policy resolves the process-wide connection policy: which wire
// treatments are served, on which ports, and how requested ports are granted.
package policy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cyberinferno/go-remotedb/config"
	"github.com/cyberinferno/go-remotedb/transport"
)

// Service defaults.
const (
	DefaultServiceHost = "localhost"
	DefaultServicePort = 1099
	DefaultServiceName = "remotedb"
)

// Service is the parsed service option: where the lookup listener answers and
// the name the endpoint is bound under.
type Service struct {
	Host string
	Port int
	Name string
}

// Addr returns host:port.
func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Service) String() string {
	return "//" + s.Addr() + "/" + s.Name
}

// ParseService accepts "name", "host:port/name" or "//host:port/name".
// Missing parts fall back to the defaults.
func ParseService(uri string) (Service, error) {
	svc := Service{Host: DefaultServiceHost, Port: DefaultServicePort, Name: DefaultServiceName}

	uri = strings.TrimPrefix(strings.TrimSpace(uri), "rmi:")
	if uri == "" {
		return svc, nil
	}

	hostPort, name, hasSlash := strings.Cut(strings.TrimPrefix(uri, "//"), "/")
	if !hasSlash && !strings.HasPrefix(uri, "//") && !strings.Contains(uri, ":") {
		svc.Name = uri
		return svc, nil
	}
	if name != "" {
		svc.Name = name
	}
	if hostPort == "" {
		return svc, nil
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		svc.Host = hostPort
		return svc, nil
	}
	if host != "" {
		svc.Host = host
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > MaxPort {
		return svc, configErr(config.KeyService, uri, "invalid port %q", port)
	}
	svc.Port = n
	return svc, nil
}

// Policy is the immutable connection configuration of a process. Only the
// ports actually bound for floating slots are filled in after startup.
type Policy struct {
	Service         Service
	CreateRegistry  bool
	ConnectionClass string

	// DefaultKind is the treatment sessions get when they ask for nothing else.
	DefaultKind transport.Kind
	// Port is the port requested for DefaultKind, 0 for the planned one.
	Port int

	Plan       PortPlan
	Transports *transport.Set
	// Custom is the csf/ssf override pair, nil when not configured.
	Custom *transport.Pair
	// CustomPort is the port Custom is served on, 0 to float.
	CustomPort int

	bound       [len(transport.Kinds)]atomic.Int32
	customBound atomic.Int32
}

// ResolveConnectionPolicy parses the connection options into a Policy.
//
// Parameters:
//   - opts: The flat configuration options
//
// Returns:
//   - The resolved Policy
//   - A *ConfigError (or wrapped option parse error) describing the first problem
func ResolveConnectionPolicy(opts config.Options) (*Policy, error) {
	p := &Policy{ConnectionClass: opts.String(config.KeyConnectionClass, "")}

	var err error
	if p.Service, err = ParseService(opts.String(config.KeyService, "")); err != nil {
		return nil, err
	}
	if p.CreateRegistry, err = opts.Bool(config.KeyCreateRegistry, false); err != nil {
		return nil, err
	}

	compressed, err := opts.Bool(config.KeyCompressed, false)
	if err != nil {
		return nil, err
	}
	ssl, err := opts.Bool(config.KeySSL, false)
	if err != nil {
		return nil, err
	}
	clientAuth, err := opts.Bool(config.KeyClientAuth, false)
	if err != nil {
		return nil, err
	}
	p.DefaultKind = transport.KindFor(compressed, ssl)

	settings := transport.Settings{Compression: opts.String(config.KeyCompression, transport.DefaultCompression)}
	tlsOpts := transport.TLSOptions{
		KeyStore:           opts.String(config.KeyKeyStore, ""),
		KeyStorePassword:   opts.String(config.KeyKeyStorePassword, ""),
		TrustStore:         opts.String(config.KeyTrustStore, ""),
		TrustStorePassword: opts.String(config.KeyTrustStorePassword, ""),
		ClientAuth:         clientAuth,
		CipherSuites:       opts.List(config.KeyCipherSuites),
		Protocols:          opts.List(config.KeyProtocols),
	}
	if ssl && tlsOpts.KeyStore == "" {
		return nil, configErr(config.KeyKeyStore, "", "required when ssl=true")
	}
	if !tlsOpts.Empty() {
		if settings.ServerTLS, settings.ClientTLS, err = transport.BuildTLS(tlsOpts); err != nil {
			return nil, &ConfigError{Key: config.KeyKeyStore, Value: tlsOpts.KeyStore, Reason: err.Error()}
		}
	}
	if p.Transports, err = transport.NewSet(settings); err != nil {
		return nil, &ConfigError{Key: config.KeyCompression, Value: settings.Compression, Reason: err.Error()}
	}

	if p.Port, err = opts.Int(config.KeyPort, 0); err != nil {
		return nil, err
	}
	if err := checkPort(p.Port); err != nil || p.Port == Disabled {
		return nil, configErr(config.KeyPort, strconv.Itoa(p.Port), "not a valid session port")
	}

	csf, ssf := opts.String(config.KeyCSF, ""), opts.String(config.KeySSF, "")
	switch {
	case csf != "" && ssf != "":
		if p.Custom, err = p.Transports.Custom(csf, ssf); err != nil {
			return nil, &ConfigError{Key: config.KeyCSF, Value: csf + "/" + ssf, Reason: err.Error()}
		}
		p.CustomPort = p.Port
	case csf != "" || ssf != "":
		return nil, configErr(config.KeyCSF, csf+"/"+ssf, "csf and ssf must be set together")
	}

	// With a custom pair, port belongs to that pair and the default kind's
	// slot floats unless ports says otherwise.
	if ports := opts.List(config.KeyPorts); len(ports) > 0 {
		if p.Plan, err = ParsePorts(ports); err != nil {
			return nil, err
		}
	} else if p.Custom == nil {
		p.Plan[p.DefaultKind] = p.Port
	}

	if !p.Plan.Enabled(p.DefaultKind) {
		return nil, configErr(config.KeyPorts, p.Plan.String(), "default transport %s is disabled", p.DefaultKind)
	}
	if err := p.checkCollisions(); err != nil {
		return nil, err
	}

	if _, err := p.GrantPort(p.Port, p.DefaultPair()); err != nil {
		return nil, err
	}

	return p, nil
}

// DefaultPair returns the pair of DefaultKind, or the custom pair when one is
// configured.
func (p *Policy) DefaultPair() *transport.Pair {
	if p.Custom != nil {
		return p.Custom
	}
	return p.Transports.Pair(p.DefaultKind)
}

// GrantPort validates a port requested together with a transport pair. The
// pair's slot is found by exact identity. Besides the well-known pairs only
// the configured Custom pair is served, on CustomPort.
//
// Parameters:
//   - requested: The port asked for, 0 for "whatever the plan says"
//   - pair: The factory pair the port will be used with
//
// Returns:
//   - The granted port; for a floating slot, the bound port once known
//   - A *ConfigError if the slot is disabled or the port does not match
func (p *Policy) GrantPort(requested int, pair *transport.Pair) (int, error) {
	if pair == nil {
		return 0, configErr(config.KeySSL, "", "transport is not available, missing TLS configuration?")
	}

	k, ok := p.Transports.KindOf(pair)
	if !ok {
		return p.grantCustom(requested, pair)
	}

	granted, err := p.Plan.Grant(k, requested)
	if err != nil {
		return 0, err
	}
	if granted == Floating {
		granted = int(p.bound[k].Load())
	}
	return granted, nil
}

func (p *Policy) grantCustom(requested int, pair *transport.Pair) (int, error) {
	if p.Custom == nil || pair != p.Custom {
		return 0, configErr(config.KeyCSF, pair.String(), "transport is not served, the configured override is %s", p.Custom)
	}

	granted := p.CustomPort
	if granted == Floating {
		granted = int(p.customBound.Load())
	}
	if requested != 0 && requested != granted {
		return 0, configErr(config.KeyPort, strconv.Itoa(requested),
			"transport %s is served on port %d", pair, granted)
	}
	return granted, nil
}

// checkCollisions rejects plans that put two listeners on one fixed port.
func (p *Policy) checkCollisions() error {
	owners := make(map[int]string)
	claim := func(port int, name, key string) error {
		if port <= Floating {
			return nil
		}
		if other, ok := owners[port]; ok {
			return configErr(key, strconv.Itoa(port), "port already planned for %s", other)
		}
		owners[port] = name
		return nil
	}

	for _, k := range transport.Kinds {
		if p.Transports.Pair(k) == nil || !p.Plan.Enabled(k) {
			continue
		}
		if err := claim(p.Plan.Port(k), k.String(), config.KeyPorts); err != nil {
			return err
		}
	}
	if p.Custom != nil {
		if err := claim(p.CustomPort, p.Custom.Name, config.KeyPort); err != nil {
			return err
		}
	}
	if p.CreateRegistry {
		return claim(p.Service.Port, "the lookup listener", config.KeyService)
	}
	return nil
}

// BindCustom records the port the custom pair was actually bound to.
func (p *Policy) BindCustom(port int) error {
	if p.Custom == nil {
		return fmt.Errorf("policy: no custom transport configured")
	}
	if p.CustomPort != Floating && p.CustomPort != port {
		return configErr(config.KeyPort, strconv.Itoa(port), "transport %s is planned on port %d", p.Custom, p.CustomPort)
	}
	p.customBound.Store(int32(port))
	return nil
}

// CustomPair returns the configured override pair if it was built from the
// factories named csf and ssf.
func (p *Policy) CustomPair(csf, ssf string) (*transport.Pair, error) {
	name := csf + "/" + ssf
	if p.Custom == nil || !strings.EqualFold(p.Custom.Name, name) {
		return nil, configErr(config.KeyCSF, name, "transport is not served, the configured override is %s", p.Custom)
	}
	return p.Custom, nil
}

// Bind records the port a floating slot was actually bound to.
func (p *Policy) Bind(k transport.Kind, port int) error {
	if !k.Valid() {
		return fmt.Errorf("policy: invalid transport kind %d", int(k))
	}
	if planned := p.Plan.Port(k); planned != Floating && planned != port {
		return configErr(config.KeyPorts, strconv.Itoa(port), "transport %s is planned on port %d", k, planned)
	}
	p.bound[k].Store(int32(port))
	return nil
}

// Bound returns the port k is served on, 0 if not yet bound.
func (p *Policy) Bound(k transport.Kind) int {
	if !k.Valid() {
		return 0
	}
	if planned := p.Plan.Port(k); planned > Floating {
		return planned
	}
	return int(p.bound[k].Load())
}
