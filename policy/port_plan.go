package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cyberinferno/go-remotedb/config"
	"github.com/cyberinferno/go-remotedb/transport"
)

// Port plan slot values.
const (
	Disabled     = -1
	Floating     = 0
	MinFixedPort = 1024
	MaxPort      = 65535
)

// PortPlan holds one port policy per well-known transport kind, indexed by
// transport.Kind: Disabled, Floating (system assigned) or a fixed port.
type PortPlan [len(transport.Kinds)]int

// Port returns the slot for k.
func (p PortPlan) Port(k transport.Kind) int {
	if !k.Valid() {
		return Disabled
	}
	return p[k]
}

// Enabled reports whether k may be served at all.
func (p PortPlan) Enabled(k transport.Kind) bool {
	return p.Port(k) != Disabled
}

// Grant checks a requested port against the slot for k.
//
// Parameters:
//   - k: The slot being asked for
//   - requested: 0 to accept whatever the plan says, otherwise the exact port
//
// Returns:
//   - The planned port (0 for a floating slot)
//   - A *ConfigError if the slot is disabled or the request differs from it
func (p PortPlan) Grant(k transport.Kind, requested int) (int, error) {
	planned := p.Port(k)
	switch {
	case planned == Disabled:
		return 0, configErr(config.KeyPorts, strconv.Itoa(requested), "transport %s is disabled", k)
	case requested != 0 && requested != planned:
		return 0, configErr(config.KeyPort, strconv.Itoa(requested),
			"transport %s is planned on port %d", k, planned)
	}
	return planned, nil
}

func (p PortPlan) String() string {
	parts := make([]string, len(p))
	for _, k := range transport.Kinds {
		parts[k] = fmt.Sprintf("%s:%d", k, p[k])
	}
	return strings.Join(parts, ",")
}

// ParsePorts builds a plan from the ports option. One value v sets the plain
// slot and derives the others as v+1, v+2 and v+3; a value of 0 or -1 is
// applied to all four slots instead. Four values set each slot explicitly.
//
// Parameters:
//   - values: The comma separated entries of the ports option
//
// Returns:
//   - The resulting PortPlan
//   - A *ConfigError for any other element count or an out of range value
func ParsePorts(values []string) (PortPlan, error) {
	var plan PortPlan
	raw := strings.Join(values, ",")

	nums := make([]int, len(values))
	for i, v := range values {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return plan, configErr(config.KeyPorts, raw, "%q is not an integer", v)
		}
		if err := checkPort(n); err != nil {
			return plan, configErr(config.KeyPorts, raw, "%v", err)
		}
		nums[i] = n
	}

	switch len(nums) {
	case 1:
		base := nums[0]
		for _, k := range transport.Kinds {
			if base <= Floating {
				plan[k] = base
				continue
			}
			port := base + int(k)
			if port > MaxPort {
				return plan, configErr(config.KeyPorts, raw, "derived port %d for %s exceeds %d", port, k, MaxPort)
			}
			plan[k] = port
		}
	case len(plan):
		copy(plan[:], nums)
	default:
		return plan, configErr(config.KeyPorts, raw, "want 1 or %d values, got %d", len(plan), len(nums))
	}

	return plan, nil
}

// checkPort validates one plan value.
func checkPort(n int) error {
	switch {
	case n < Disabled:
		return fmt.Errorf("port %d is below -1", n)
	case n > Floating && n < MinFixedPort:
		return fmt.Errorf("port %d is privileged, fixed ports start at %d", n, MinFixedPort)
	case n > MaxPort:
		return fmt.Errorf("port %d exceeds %d", n, MaxPort)
	}
	return nil
}
