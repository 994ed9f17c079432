package policy

import "fmt"

// ConfigError reports an invalid or inconsistent connection setting. It is
// fatal at startup and at first use; values are never silently corrected.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("policy: %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("policy: %s=%q: %s", e.Key, e.Value, e.Reason)
}

func configErr(key, value, format string, args ...any) *ConfigError {
	return &ConfigError{Key: key, Value: value, Reason: fmt.Sprintf(format, args...)}
}
