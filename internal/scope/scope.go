// Package scope computes the routing key that limits which clients receive
// which log entries.
//
// A scope key combines an optional tenant prefix with a per-record user
// identifier. Resolution is a pure function of record state: resolvers never
// mutate and never fail. When no scope is resolvable the empty default scope
// is returned so change capture can never block on routing.
package scope

import (
	"fmt"

	"github.com/roach88/harmonic/internal/harmonic"
)

// Resolver computes a scope key from a mutated record.
//
// Implementations must be pure: no side-effecting I/O, read-only lookups at
// most. Unresolvable records yield "" rather than an error.
type Resolver interface {
	Resolve(table string, row harmonic.Row) string
}

// Strategy names the resolver variants selectable from configuration.
type Strategy string

const (
	// StrategyPrefix scopes by tenant prefix plus a user field.
	StrategyPrefix Strategy = "prefix"
	// StrategyField scopes by a user field alone.
	StrategyField Strategy = "field"
	// StrategyNone disables scoping: everything routes to the default scope.
	StrategyNone Strategy = "none"
)

// Config selects and parameterizes a resolver. Passed explicitly at
// construction time: there is no global lookup.
type Config struct {
	Strategy Strategy `yaml:"strategy"`
	// TenantPrefix is the fixed prefix component for StrategyPrefix.
	TenantPrefix string `yaml:"tenant_prefix"`
	// UserField names the row field holding the user identifier.
	UserField string `yaml:"user_field"`
}

// New builds the resolver described by cfg.
func New(cfg Config) (Resolver, error) {
	switch cfg.Strategy {
	case StrategyPrefix:
		if cfg.UserField == "" {
			return nil, fmt.Errorf("scope strategy %q requires user_field", cfg.Strategy)
		}
		return &PrefixResolver{Prefix: cfg.TenantPrefix, UserField: cfg.UserField}, nil
	case StrategyField:
		if cfg.UserField == "" {
			return nil, fmt.Errorf("scope strategy %q requires user_field", cfg.Strategy)
		}
		return &FieldResolver{UserField: cfg.UserField}, nil
	case StrategyNone, "":
		return NoneResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown scope strategy %q", cfg.Strategy)
	}
}

// PrefixResolver combines a fixed tenant prefix with a user field value:
// "<prefix>:<user>". A record missing the user field resolves to the bare
// prefix so tenant isolation still holds.
type PrefixResolver struct {
	Prefix    string
	UserField string
}

// Resolve implements Resolver.
func (r *PrefixResolver) Resolve(table string, row harmonic.Row) string {
	user := stringField(row, r.UserField)
	if user == "" {
		return r.Prefix
	}
	if r.Prefix == "" {
		return user
	}
	return r.Prefix + ":" + user
}

// FieldResolver scopes by the value of a single row field.
type FieldResolver struct {
	UserField string
}

// Resolve implements Resolver.
func (r *FieldResolver) Resolve(table string, row harmonic.Row) string {
	return stringField(row, r.UserField)
}

// NoneResolver routes every record to the default scope.
type NoneResolver struct{}

// Resolve implements Resolver.
func (NoneResolver) Resolve(table string, row harmonic.Row) string {
	return ""
}

// stringField extracts a field as a string, tolerating absent fields and
// non-string values. Numeric ids are formatted rather than dropped.
func stringField(row harmonic.Row, field string) string {
	if row == nil || field == "" {
		return ""
	}
	v, ok := row[field]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// JSON numbers decode as float64; ids are whole
		return fmt.Sprintf("%.0f", s)
	case int64:
		return fmt.Sprintf("%d", s)
	case int:
		return fmt.Sprintf("%d", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
