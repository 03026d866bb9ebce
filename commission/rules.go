/*
rules.go - Commission tier schedule

PURPOSE:
  Turns CommissionRule rows into a lookup from (agent type, tenure months)
  to a tier. The rows are the single source of the thresholds: the batch
  calculator never hard-codes a percentage or a month boundary.

DEFAULT SCHEDULE (DefaultRules):
  Type      Tenure     Rate    Label
  --------  ---------  ------  -----------------
  Broker    0-12m      10%     Tier 1 (0-12m)
  Broker    13-24m     7.5%    Tier 2 (13-24m)
  Broker    25m+       2.5%    Tier 3 (24m+)
  Internal  0-12m      10%     Tier 1
  Internal  13-24m     7.5%    Tier 2
  Internal  25m+       0%      Tier 3 (No Comm)

  Individual agents are looked up as Broker. Any other type has no tier.

VALIDATION (NewSchedule):
  - Inactive rules are ignored
  - Value must be non-negative, Kind must be Percentage or Fixed
  - Windows for the same agent type must not overlap

SEE ALSO:
  - batch.go: Consumes the schedule
  - domain/types.go: CommissionRule
*/
package commission

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
)

func months(n int) *int { return &n }

// DefaultRules returns the standard broker and internal schedules. Used to
// seed a fresh database and when the store holds no active rules.
func DefaultRules() []domain.CommissionRule {
	pct := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	return []domain.CommissionRule{
		{ID: "rule-broker-1", Name: "Broker Tier 1", AgentType: domain.AgentBroker, MinTenureMonths: 0, MaxTenureMonths: months(12), Kind: domain.RulePercentage, Value: pct("0.10"), Label: "Tier 1 (0-12m)", Active: true},
		{ID: "rule-broker-2", Name: "Broker Tier 2", AgentType: domain.AgentBroker, MinTenureMonths: 13, MaxTenureMonths: months(24), Kind: domain.RulePercentage, Value: pct("0.075"), Label: "Tier 2 (13-24m)", Active: true},
		{ID: "rule-broker-3", Name: "Broker Tier 3", AgentType: domain.AgentBroker, MinTenureMonths: 25, Kind: domain.RulePercentage, Value: pct("0.025"), Label: "Tier 3 (24m+)", Active: true},
		{ID: "rule-internal-1", Name: "Internal Tier 1", AgentType: domain.AgentInternal, MinTenureMonths: 0, MaxTenureMonths: months(12), Kind: domain.RulePercentage, Value: pct("0.10"), Label: "Tier 1", Active: true},
		{ID: "rule-internal-2", Name: "Internal Tier 2", AgentType: domain.AgentInternal, MinTenureMonths: 13, MaxTenureMonths: months(24), Kind: domain.RulePercentage, Value: pct("0.075"), Label: "Tier 2", Active: true},
		{ID: "rule-internal-3", Name: "Internal Tier 3", AgentType: domain.AgentInternal, MinTenureMonths: 25, Kind: domain.RulePercentage, Value: decimal.Zero, Label: "Tier 3 (No Comm)", Active: true},
	}
}

// =============================================================================
// TIER
// =============================================================================

// Tier is the rule selected for one agent/tenure pair.
type Tier struct {
	AgentType domain.AgentType
	Kind      domain.RuleKind
	Value     decimal.Decimal
	Label     string // "<Type> <rule label>", e.g. "Broker Tier 2 (13-24m)"
}

// Pays reports whether the tier produces a commission at all.
func (t Tier) Pays() bool { return t.Value.IsPositive() }

// Amount applies the tier to a premium.
func (t Tier) Amount(premium decimal.Decimal) decimal.Decimal {
	if t.Kind == domain.RuleFixed {
		return t.Value
	}
	return premium.Mul(t.Value)
}

// =============================================================================
// SCHEDULE
// =============================================================================

// Schedule indexes active rules by normalized agent type, ordered by tenure.
type Schedule struct {
	byType map[domain.AgentType][]domain.CommissionRule
}

// NewSchedule validates rules and builds the lookup.
func NewSchedule(rules []domain.CommissionRule) (*Schedule, error) {
	s := &Schedule{byType: make(map[domain.AgentType][]domain.CommissionRule)}

	for _, r := range rules {
		if !r.Active {
			continue
		}
		if r.Kind != domain.RulePercentage && r.Kind != domain.RuleFixed {
			return nil, fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
		}
		if r.Value.IsNegative() {
			return nil, fmt.Errorf("rule %s: negative value %s", r.ID, r.Value)
		}
		if r.MinTenureMonths < 0 || (r.MaxTenureMonths != nil && *r.MaxTenureMonths < r.MinTenureMonths) {
			return nil, fmt.Errorf("rule %s: invalid tenure window", r.ID)
		}
		t := r.AgentType.Normalize()
		s.byType[t] = append(s.byType[t], r)
	}

	for t, rs := range s.byType {
		sort.Slice(rs, func(i, j int) bool { return rs[i].MinTenureMonths < rs[j].MinTenureMonths })
		for i := 1; i < len(rs); i++ {
			prev := rs[i-1]
			if prev.MaxTenureMonths == nil || *prev.MaxTenureMonths >= rs[i].MinTenureMonths {
				return nil, fmt.Errorf("rules %s and %s overlap for %s", prev.ID, rs[i].ID, t)
			}
		}
	}
	return s, nil
}

// Select returns the rule covering tenure for the agent type.
func (s *Schedule) Select(agentType domain.AgentType, tenure int) (domain.CommissionRule, bool) {
	for _, r := range s.byType[agentType.Normalize()] {
		if tenure >= r.MinTenureMonths && (r.MaxTenureMonths == nil || tenure <= *r.MaxTenureMonths) {
			return r, true
		}
	}
	return domain.CommissionRule{}, false
}

// Rate resolves the tier for an agent type and tenure. An unknown type or a
// tenure outside every window yields a zero tier and false.
func (s *Schedule) Rate(agentType domain.AgentType, tenure int) (Tier, bool) {
	normalized := agentType.Normalize()
	r, ok := s.Select(normalized, tenure)
	if !ok {
		return Tier{AgentType: normalized, Value: decimal.Zero}, false
	}
	return Tier{
		AgentType: normalized,
		Kind:      r.Kind,
		Value:     r.Value,
		Label:     fmt.Sprintf("%s %s", normalized, r.Label),
	}, true
}

// TenureMonths is the calendar-field month difference between join and asOf.
// A join date in the future yields 0.
func TenureMonths(join, asOf time.Time) int {
	return max(domain.MonthsBetween(join, asOf), 0)
}
