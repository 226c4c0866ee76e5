/*
Package catalog holds the reward rule definitions: which achievement codes
exist and how many points each pays out.

PURPOSE:
  Rules are operator-configured and read-only to the engine at grant time.
  The one exception is self-registration: when calling code references a
  code with no rule yet, GetOrCreate materializes a default rule instead of
  failing, so new mechanics can ship without a prior config change.

NAMESPACED CODES:
  Codes are a (namespace, name) pair, not a prefixed string. Uniqueness is
  structural; "mechanic/week_perfect" and a hypothetical "promo/week_perfect"
  can never collide by string convention accident.

SEE ALSO:
  - config.go: the tagged per-rule configuration value
  - store/sqlite: the persistent rule store
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// =============================================================================
// CODE - Namespaced rule identifier
// =============================================================================

// DefaultNamespace is used when a bare name is parsed without a namespace.
const DefaultNamespace = "mechanic"

// Code identifies a reward rule. The zero Code is invalid.
type Code struct {
	Namespace string
	Name      string
}

func NewCode(namespace, name string) Code {
	return Code{Namespace: namespace, Name: name}
}

// MechanicCode builds a Code in the default namespace.
func MechanicCode(name string) Code {
	return Code{Namespace: DefaultNamespace, Name: name}
}

// ParseCode parses "namespace/name". A bare "name" gets DefaultNamespace.
func ParseCode(s string) (Code, error) {
	if s == "" {
		return Code{}, errors.New("empty code")
	}
	ns, name, found := strings.Cut(s, "/")
	if !found {
		return Code{Namespace: DefaultNamespace, Name: s}, nil
	}
	if ns == "" || name == "" {
		return Code{}, fmt.Errorf("malformed code %q", s)
	}
	return Code{Namespace: ns, Name: name}, nil
}

func (c Code) String() string { return c.Namespace + "/" + c.Name }

func (c Code) IsZero() bool { return c.Namespace == "" && c.Name == "" }

// =============================================================================
// REWARD RULE
// =============================================================================

// DefaultPayout is the payout of a self-registered rule. Kept small so an
// unconfigured code cannot leak meaningful point volume; operators raise it
// when the mechanic is formally defined.
const DefaultPayout = 10

// RewardRule maps a code to a point payout.
type RewardRule struct {
	Code        Code
	DisplayName string
	Payout      int64
	Active      bool
	Config      RuleConfig // optional, validated on Put
}

// Validate checks the rule invariants. Reward payouts are always
// non-negative earns; a negative payout is a configuration error, not a
// way to express penalties.
func (r RewardRule) Validate() error {
	if r.Code.IsZero() {
		return errors.New("rule code must not be empty")
	}
	if r.Payout < 0 {
		return fmt.Errorf("rule %s: payout must not be negative", r.Code)
	}
	if r.Config != nil {
		if err := r.Config.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.Code, err)
		}
	}
	return nil
}

// ErrRuleNotFound is returned by Get for unknown codes.
var ErrRuleNotFound = errors.New("reward rule not found")

// =============================================================================
// CATALOG
// =============================================================================

// Catalog stores reward rules.
type Catalog interface {
	Get(ctx context.Context, code Code) (RewardRule, error)

	// GetOrCreate returns the rule for code, self-registering a
	// default-payout rule if none exists. Concurrent callers for the same
	// new code must converge on a single rule.
	GetOrCreate(ctx context.Context, code Code) (RewardRule, error)

	Put(ctx context.Context, rule RewardRule) error

	List(ctx context.Context) ([]RewardRule, error)
}

// defaultRule is what self-registration materializes.
func defaultRule(code Code) RewardRule {
	return RewardRule{
		Code:        code,
		DisplayName: code.Name,
		Payout:      DefaultPayout,
		Active:      true,
	}
}

// DefaultRule exposes the self-registration shape to store implementations.
func DefaultRule(code Code) RewardRule { return defaultRule(code) }

// =============================================================================
// MEMORY CATALOG - For tests and single-process setups
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	rules map[Code]RewardRule
}

func NewMemory() *Memory {
	return &Memory{rules: make(map[Code]RewardRule)}
}

func (m *Memory) Get(_ context.Context, code Code) (RewardRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[code]
	if !ok {
		return RewardRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, code)
	}
	return rule, nil
}

func (m *Memory) GetOrCreate(_ context.Context, code Code) (RewardRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule, ok := m.rules[code]; ok {
		return rule, nil
	}
	rule := defaultRule(code)
	m.rules[code] = rule
	return rule, nil
}

func (m *Memory) Put(_ context.Context, rule RewardRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.Code] = rule
	return nil
}

func (m *Memory) List(_ context.Context) ([]RewardRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RewardRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}
