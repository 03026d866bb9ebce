/*
batch.go - Monthly commission batch calculator

PURPOSE:
  Creates one Pending commission row per (member, agent, period) for every
  eligible member, then posts an accrual entry for each new row.

ELIGIBILITY:
  A member takes part iff status is Active, it has at least one agent, and
  its policy resolves. Each linked agent must itself be Active.

PER MEMBER, PER AGENT:
  1. premium = premium.Compute(member, policy, today)
  2. tenure  = TenureMonths(joinDate, today)
  3. tier    = schedule.Rate(agent.Type, tenure); zero rate -> no row
  4. amount  = tier.Amount(premium) / len(member.AgentIDs), label gets
               " (Split / N)" when N > 1, rounded to cents
  5. key     = COMM-<period>-<member>-<agent>; existing key -> skip
  6. insert Pending row, then post the accrual best effort

FAILURE MODEL:
  - Loading reference data or rules fails: the whole run fails
  - A single insert fails: logged, that record is skipped, the run continues
  - Accrual posting fails: logged, the commission row is kept

SNAPSHOT:
  Members, policies, agents and rules are read once at the start of Run.
  Concurrent edits during a run are not seen until the next run.

SEE ALSO:
  - rules.go: Tier schedule
  - automation/orchestrator.go: Wraps Run with a MonthlyRun record
*/
package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/premium"
)

// Store is the slice of persistence the calculator needs.
type Store interface {
	domain.ReferenceStore
	domain.CommissionStore
}

// IdempotencyKey identifies a commission row for (period, member, agent).
func IdempotencyKey(periodKey string, member domain.MemberID, agent domain.AgentID) string {
	return fmt.Sprintf("COMM-%s-%s-%s", periodKey, member, agent)
}

// Calculator runs the monthly commission batch.
type Calculator struct {
	store  Store
	poster *ledger.Poster
	clock  domain.Clock
	log    logger.Logger
}

func NewCalculator(store Store, poster *ledger.Poster, clock domain.Clock) *Calculator {
	if clock == nil {
		clock = domain.SystemClock
	}
	return &Calculator{store: store, poster: poster, clock: clock, log: logger.New("commission")}
}

// snapshot is the reference data for one run.
type snapshot struct {
	schedule *Schedule
	members  []domain.Member
	policies map[domain.PolicyID]domain.Policy
	agents   map[domain.AgentID]domain.Agent
}

func (c *Calculator) loadSnapshot(ctx context.Context) (*snapshot, error) {
	log := c.log.Function("loadSnapshot")

	rules, err := c.store.ListCommissionRules(ctx)
	if err != nil {
		return nil, log.Err("failed to load commission rules", err)
	}
	if !hasActive(rules) {
		log.Warn("no active commission rules stored, using default schedule")
		rules = DefaultRules()
	}
	schedule, err := NewSchedule(rules)
	if err != nil {
		return nil, log.Err("invalid commission rules", err)
	}

	members, err := c.store.ListActiveMembers(ctx)
	if err != nil {
		return nil, log.Err("failed to load members", err)
	}
	policies, err := c.store.ListPolicies(ctx)
	if err != nil {
		return nil, log.Err("failed to load policies", err)
	}
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, log.Err("failed to load agents", err)
	}

	snap := &snapshot{
		schedule: schedule,
		members:  members,
		policies: make(map[domain.PolicyID]domain.Policy, len(policies)),
		agents:   make(map[domain.AgentID]domain.Agent, len(agents)),
	}
	for _, p := range policies {
		snap.policies[p.ID] = p
	}
	for _, a := range agents {
		snap.agents[a.ID] = a
	}
	return snap, nil
}

func hasActive(rules []domain.CommissionRule) bool {
	for _, r := range rules {
		if r.Active {
			return true
		}
	}
	return false
}

// Run calculates commissions for the current period and returns the rows it
// created. Rows that already existed are not returned.
func (c *Calculator) Run(ctx context.Context) ([]domain.Commission, error) {
	log := c.log.Function("Run")

	now := c.clock()
	period := domain.PeriodOf(now)

	snap, err := c.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	log.Info("starting commission run", "period", period.Key(), "members", len(snap.members))

	var created []domain.Commission
	for _, m := range snap.members {
		if !m.IsActive() || len(m.AgentIDs) == 0 {
			continue
		}
		policy, ok := snap.policies[m.PolicyID]
		if !ok {
			log.Debug("skipping member without resolvable policy", "member", m.ID, "policy", m.PolicyID)
			continue
		}

		memberPremium := premium.Compute(m, policy, now)
		tenure := TenureMonths(m.JoinDate, now)

		for _, agentID := range m.AgentIDs {
			row, ok := c.build(snap, m, agentID, memberPremium, tenure, period)
			if !ok {
				continue
			}
			if c.create(ctx, row) {
				created = append(created, row)
			}
		}
	}

	total := decimal.Zero
	for _, row := range created {
		total = total.Add(row.Amount)
	}
	log.Info("commission run finished", "period", period.Key(), "created", len(created), "total", total.StringFixed(2))
	return created, nil
}

// build computes the row for one agent of a member. It returns false when
// the agent earns nothing this period.
func (c *Calculator) build(snap *snapshot, m domain.Member, agentID domain.AgentID, memberPremium decimal.Decimal, tenure int, period domain.Period) (domain.Commission, bool) {
	log := c.log.Function("build")

	agent, ok := snap.agents[agentID]
	if !ok {
		log.Warn("member references unknown agent", "member", m.ID, "agent", agentID)
		return domain.Commission{}, false
	}
	if !agent.IsActive() {
		return domain.Commission{}, false
	}

	tier, ok := snap.schedule.Rate(agent.Type, tenure)
	if !ok || !tier.Pays() {
		return domain.Commission{}, false
	}

	amount := tier.Amount(memberPremium)
	label := tier.Label
	if n := len(m.AgentIDs); n > 1 {
		amount = amount.Div(decimal.NewFromInt(int64(n)))
		label = fmt.Sprintf("%s (Split / %d)", label, n)
	}
	amount = domain.RoundMoney(amount)
	if !amount.IsPositive() {
		return domain.Commission{}, false
	}

	return domain.Commission{
		ID:             domain.CommissionID(domain.NewID()),
		IdempotencyKey: IdempotencyKey(period.Key(), m.ID, agentID),
		PeriodKey:      period.Key(),
		MemberID:       m.ID,
		AgentID:        agentID,
		Amount:         amount,
		Status:         domain.CommissionPending,
		RuleApplied:    label,
		CreatedAt:      c.clock(),
	}, true
}

// create inserts the row and posts its accrual. Returns true if the row is new.
func (c *Calculator) create(ctx context.Context, row domain.Commission) bool {
	log := c.log.Function("create")

	exists, err := c.store.CommissionExists(ctx, row.IdempotencyKey)
	if err != nil {
		log.Er("idempotency lookup failed, skipping", err, "key", row.IdempotencyKey)
		return false
	}
	if exists {
		return false
	}

	if err := c.store.CreateCommission(ctx, row); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			return false
		}
		log.Er("failed to create commission, skipping", err, "key", row.IdempotencyKey)
		return false
	}

	if c.poster != nil {
		if _, err := c.poster.PostCommissionEvent(ctx, row); err != nil {
			log.Er("accrual posting failed, commission kept", err, "commission", row.ID)
		}
	}
	return true
}
