/*
policy.go - First-login bonus policy configuration

PURPOSE:
  The knobs controlling whether a signup bonus is issued: amount,
  validity, the country gate, and the IP-velocity gate. Policy is an
  explicit parameter object passed into the gate, never ambient state,
  so the gate stays unit-testable in isolation.

COUNTRY GATE MODES:
  denylist: block when the country IS on the list; unknown country passes
            (fails open).
  allowlist: block when the country is unknown or NOT on the list
             (fails closed for unknown countries).

IP VELOCITY:
  Counts prior bonus grants in a trailing window whose signup and/or
  claim IP matches, per Source. At or above Max the bonus is withheld.

SEE ALSO:
  - gate.go: Applies the policy
  - config/config.go: Loads a Policy from TOML
*/
package bonus

import (
	"strings"
	"time"
)

// CountryMode selects how the country list is interpreted.
type CountryMode string

const (
	CountryDenylist  CountryMode = "denylist"
	CountryAllowlist CountryMode = "allowlist"
)

// IPSource selects which IP fields the velocity gate matches on.
type IPSource string

const (
	IPSourceSignup IPSource = "signup"
	IPSourceClaim  IPSource = "claim"
	IPSourceAny    IPSource = "any"
)

// Duration wraps time.Duration for TOML decoding ("72h", "30m", ...).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IPLimit configures the IP-velocity gate.
type IPLimit struct {
	Enabled bool     `toml:"enabled"`
	Max     int      `toml:"max"`
	Window  Duration `toml:"window"`
	Source  IPSource `toml:"source"`
}

// Policy configures the first-login bonus gate.
type Policy struct {
	Enabled     bool   `toml:"enabled"`
	Credits     int64  `toml:"credits"`
	ValidDays   int    `toml:"valid_days"`
	Description string `toml:"description"`

	CountryMode CountryMode `toml:"country_mode"`
	Countries   []string    `toml:"countries"`

	IPLimit IPLimit `toml:"ip_limit"`
}

// DefaultPolicy returns a permissive baseline: bonus on, no country list,
// IP limit off.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		Credits:     100,
		ValidDays:   0, // never expires
		Description: "First login bonus",
		CountryMode: CountryDenylist,
		IPLimit: IPLimit{
			Enabled: false,
			Max:     3,
			Window:  Duration{24 * time.Hour},
			Source:  IPSourceAny,
		},
	}
}

// countryAllowed applies the country gate. Country codes compare
// case-insensitively.
func (p Policy) countryAllowed(country string) bool {
	listed := false
	for _, c := range p.Countries {
		if strings.EqualFold(c, country) {
			listed = true
			break
		}
	}

	switch p.CountryMode {
	case CountryAllowlist:
		return country != "" && listed
	default: // denylist
		return !listed
	}
}
