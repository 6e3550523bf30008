/*
Package core holds the types shared by the credit ledger and the escrow
state machine: identifiers, the acting party, structured metadata and the
clock used for deadline checks.

DESIGN PRINCIPLES:
  1. Precision: every quantity is a decimal.Decimal, never a float
  2. Explicit metadata: string keys to string values, no untyped blobs
  3. Trusted identity: the Actor is supplied by the identity layer and
     is not re-authenticated here; only domain standing is checked

SEE ALSO:
  - errors.go: Error taxonomy
  - clock.go: Clock abstraction for lazy expiry
*/
package core

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string

// =============================================================================
// ACTOR - Who is performing an action
// =============================================================================

type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated caller as reported by the identity layer.
type Actor struct {
	UserID UserID
	Role   Role
}

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// SystemActor is used by scheduled sweeps (expiry, auto-release).
var SystemActor = Actor{UserID: "system", Role: RoleSystem}

// =============================================================================
// METADATA - Structured key/value annotations on ledger rows and events
// =============================================================================

// Metadata is a flat string map. Keeping values primitive keeps the audit
// trail queryable by key (json_extract in sqlite, ->> in postgres).
type Metadata map[string]string

// Clone returns a copy safe to mutate.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// With returns a copy with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// Get returns the value for key, or "" when the map is nil or the key is absent.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Marshal encodes the map for storage. A nil map encodes as "{}".
func (m Metadata) Marshal() string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseMetadata decodes a stored metadata column. Empty or malformed input yields an empty map.
func ParseMetadata(s string) Metadata {
	m := Metadata{}
	if s == "" {
		return m
	}
	if err := json.Unmarshal([]byte(s), (*map[string]string)(&m)); err != nil {
		return Metadata{}
	}
	return m
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// MustParseDecimal parses s, returning zero on malformed input.
// Used when reading columns this package wrote itself.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Money formats a decimal with two places, the precision of every amount column.
func Money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
