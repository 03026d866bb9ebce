/*
premium.go - Periodic premium for a member and their dependants

PURPOSE:
  Computes the total premium a member owes for one billing period from the
  three rate tiers of their policy. Pure: no I/O, no clock. The caller passes
  the as-of date and must skip members whose policy does not resolve.

RATE SELECTION:
  Person      Condition                         Rate
  ----------  --------------------------------  ----------
  Principal   age >= 65                         SeniorRate
  Principal   otherwise                         AdultRate
  Dependant   age < 18 OR relationship Child    ChildRate
  Dependant   age >= 65                         SeniorRate
  Dependant   otherwise                         AdultRate

AGE:
  Age is asOf.Year - birth.Year. Month and day are ignored, so a member born
  in December counts as a year older for the whole calendar year. Kept as-is
  so invoices match the amounts produced by the legacy billing screens.

EXAMPLE:
  policy := domain.Policy{AdultRate: 100, ChildRate: 40, SeniorRate: 180}
  member := Member{born 1990, dependants: [child born 2018]}
  Compute(member, policy, 2026-03-10) // 140
*/
package premium

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
)

const (
	SeniorAge = 65
	AdultAge  = 18
)

// AgeInYears returns the calendar-year difference between birth and asOf.
func AgeInYears(birth, asOf time.Time) int {
	return domain.YearsBetween(birth, asOf)
}

// PrincipalRate picks the rate for the member themself.
func PrincipalRate(policy domain.Policy, age int) decimal.Decimal {
	if age >= SeniorAge {
		return policy.SeniorRate
	}
	return policy.AdultRate
}

// DependantRate picks the rate for a dependant. A Child relationship always
// takes the child rate.
func DependantRate(policy domain.Policy, age int, rel domain.Relationship) decimal.Decimal {
	switch {
	case age < AdultAge || rel == domain.RelationshipChild:
		return policy.ChildRate
	case age >= SeniorAge:
		return policy.SeniorRate
	default:
		return policy.AdultRate
	}
}

// Compute returns the member's total premium for one period.
func Compute(member domain.Member, policy domain.Policy, asOf time.Time) decimal.Decimal {
	total := PrincipalRate(policy, AgeInYears(member.DateOfBirth, asOf))
	for _, dep := range member.Dependants {
		total = total.Add(DependantRate(policy, AgeInYears(dep.DateOfBirth, asOf), dep.Relationship))
	}
	return total
}
