/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built books of business that populate the store with
	realistic reference data, so the run triggers have something to work on.

AVAILABLE SCENARIOS:

	group-employer:         One employer paying for a family, a senior and a single member
	individual-anniversary: Individually paying members, one of them billed today
	broker-tiers:           Brokers at every tenure tier, an internal agent and a split member

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Seed the chart of accounts, policies and the default commission rules
 3. Create payers, agents and members relative to today's date

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "broker-tiers"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Run triggers that consume the seeded data
  - commission/rules.go: DefaultRules
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/commission"
	"github.com/warp/billing-engine/domain"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "group-employer",
		Name:        "Group Employer",
		Description: "Employer-paid cover for a family, a senior and a single adult",
		Category:    "billing",
	},
	{
		ID:          "individual-anniversary",
		Name:        "Individual Anniversary",
		Description: "Self-paying members billed on the day of month they joined",
		Category:    "billing",
	},
	{
		ID:          "broker-tiers",
		Name:        "Broker Tiers",
		Description: "Brokers in every tenure tier, an internal agent and a two-agent split",
		Category:    "commission",
	},
}

var chartOfAccounts = []domain.Account{
	{ID: "acc-1000", Code: domain.AccountCash, Name: "Cash at Bank"},
	{ID: "acc-1200", Code: domain.AccountReceivable, Name: "Premiums Receivable"},
	{ID: "acc-2100", Code: domain.AccountClaimsPayable, Name: "Claims Payable"},
	{ID: "acc-2200", Code: domain.AccountCommissionsPayable, Name: "Commissions Payable"},
	{ID: "acc-4000", Code: domain.AccountRevenue, Name: "Premium Revenue"},
	{ID: "acc-5000", Code: domain.AccountClaimsExpense, Name: "Claims Expense"},
	{ID: "acc-5100", Code: domain.AccountCommissionExpense, Name: "Commission Expense"},
}

var demoPolicies = []domain.Policy{
	{
		ID: "pol-standard", Name: "Standard Cover",
		AdultRate: decimal.NewFromInt(100), ChildRate: decimal.NewFromInt(50), SeniorRate: decimal.NewFromInt(200),
		CoverageLimit: decimal.NewFromInt(250000), BenefitIDs: []string{"inpatient", "outpatient"},
	},
	{
		ID: "pol-premium", Name: "Premium Cover",
		AdultRate: decimal.NewFromInt(180), ChildRate: decimal.NewFromInt(90), SeniorRate: decimal.NewFromInt(320),
		CoverageLimit: decimal.NewFromInt(1000000), BenefitIDs: []string{"inpatient", "outpatient", "dental", "optical"},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var load func(context.Context, time.Time) error
	switch req.ScenarioID {
	case "group-employer":
		load = h.loadGroupEmployerScenario
	case "individual-anniversary":
		load = h.loadIndividualAnniversaryScenario
	case "broker-tiers":
		load = h.loadBrokerTiersScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeDomainError(w, "Failed to reset store", err)
		return
	}
	if err := h.seedReferenceData(ctx); err != nil {
		writeDomainError(w, "Failed to seed reference data", err)
		return
	}
	if err := load(ctx, domain.StartOfDay(h.Clock())); err != nil {
		writeDomainError(w, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.log.Function("LoadScenario").Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetStore clears every table.
func (h *Handler) ResetStore(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeDomainError(w, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) seedReferenceData(ctx context.Context) error {
	for _, a := range chartOfAccounts {
		if err := h.Store.SaveAccount(ctx, a); err != nil {
			return err
		}
	}
	for _, p := range demoPolicies {
		if err := h.Store.SavePolicy(ctx, p); err != nil {
			return err
		}
	}
	for _, rule := range commission.DefaultRules() {
		if err := h.Store.SaveCommissionRule(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

// loadGroupEmployerScenario: Acme pays for three members.
//   - m-family: adult on Standard with a spouse and two children = 300.00
//   - m-senior: 67 on Standard = 200.00
//   - m-single: adult on Premium = 180.00
//
// Group billing produces one invoice of 680.00 due in 30 days.
func (h *Handler) loadGroupEmployerScenario(ctx context.Context, today time.Time) error {
	acme := domain.PayerID("payer-acme")
	if err := h.Store.SavePayer(ctx, domain.PremiumPayer{
		ID: acme, Name: "Acme Manufacturing", Type: domain.PayerGroup, PaymentTermsDays: 30, Active: true,
	}); err != nil {
		return err
	}
	if err := h.Store.SaveAgent(ctx, domain.Agent{
		ID: "agent-broker", Name: "Northside Brokers", Type: domain.AgentBroker, Status: domain.AgentActive,
	}); err != nil {
		return err
	}

	members := []domain.Member{
		{
			ID: "m-family", Name: "Grace Okafor",
			DateOfBirth: today.AddDate(-40, 0, 0), JoinDate: today.AddDate(-2, 0, 0),
			PolicyID: "pol-standard",
			Dependants: []domain.Dependant{
				{ID: "d-spouse", Name: "Daniel Okafor", DateOfBirth: today.AddDate(-41, 0, 0), Relationship: domain.RelationshipSpouse},
				{ID: "d-child-1", Name: "Ada Okafor", DateOfBirth: today.AddDate(-9, 0, 0), Relationship: domain.RelationshipChild},
				{ID: "d-child-2", Name: "Tobi Okafor", DateOfBirth: today.AddDate(-6, 0, 0), Relationship: domain.RelationshipChild},
			},
			AgentIDs: []domain.AgentID{"agent-broker"},
		},
		{
			ID: "m-senior", Name: "Henry Walsh",
			DateOfBirth: today.AddDate(-67, 0, 0), JoinDate: today.AddDate(-5, 0, 0),
			PolicyID: "pol-standard",
		},
		{
			ID: "m-single", Name: "Priya Nair",
			DateOfBirth: today.AddDate(-29, 0, 0), JoinDate: today.AddDate(0, -8, 0),
			PolicyID: "pol-premium", AgentIDs: []domain.AgentID{"agent-broker"},
		},
	}
	for _, m := range members {
		m.PayerID = &acme
		m.PayerType = domain.PayerGroup
		m.Status = domain.MemberActive
		if err := h.Store.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// loadIndividualAnniversaryScenario: two self-paying members, only one of
// whom joined on today's day of month.
func (h *Handler) loadIndividualAnniversaryScenario(ctx context.Context, today time.Time) error {
	type entry struct {
		member domain.Member
		payer  domain.PremiumPayer
	}
	entries := []entry{
		{
			payer: domain.PremiumPayer{ID: "payer-lee", Name: "Jordan Lee", Type: domain.PayerIndividual, Active: true},
			member: domain.Member{
				ID: "m-lee", Name: "Jordan Lee",
				DateOfBirth: today.AddDate(-35, 0, 0), JoinDate: today.AddDate(-1, 0, 0),
				PolicyID: "pol-standard",
			},
		},
		{
			payer: domain.PremiumPayer{ID: "payer-diaz", Name: "Marta Diaz", Type: domain.PayerIndividual, Active: true},
			member: domain.Member{
				ID: "m-diaz", Name: "Marta Diaz",
				DateOfBirth: today.AddDate(-52, 0, 0), JoinDate: today.AddDate(-1, 0, 1),
				PolicyID: "pol-premium",
			},
		},
	}
	for _, e := range entries {
		if err := h.Store.SavePayer(ctx, e.payer); err != nil {
			return err
		}
		payerID := e.payer.ID
		e.member.PayerID = &payerID
		e.member.PayerType = domain.PayerIndividual
		e.member.Status = domain.MemberActive
		if err := h.Store.SaveMember(ctx, e.member); err != nil {
			return err
		}
	}
	return nil
}

// loadBrokerTiersScenario: Standard members (100.00 premium) at 6, 18 and 30
// months' tenure under one broker, one member under an internal agent and one
// member split between two brokers.
func (h *Handler) loadBrokerTiersScenario(ctx context.Context, today time.Time) error {
	agents := []domain.Agent{
		{ID: "agent-kim", Name: "Sam Kim", Type: domain.AgentBroker, Status: domain.AgentActive},
		{ID: "agent-ross", Name: "Alex Ross", Type: domain.AgentIndividual, Status: domain.AgentActive},
		{ID: "agent-house", Name: "Direct Sales", Type: domain.AgentInternal, Status: domain.AgentActive},
		{ID: "agent-retired", Name: "Pat Moore", Type: domain.AgentBroker, Status: domain.AgentInactive},
	}
	for _, a := range agents {
		if err := h.Store.SaveAgent(ctx, a); err != nil {
			return err
		}
	}

	members := []domain.Member{
		{ID: "m-tier1", Name: "New Joiner", JoinDate: today.AddDate(0, -6, 0), AgentIDs: []domain.AgentID{"agent-kim"}},
		{ID: "m-tier2", Name: "Second Year", JoinDate: today.AddDate(0, -18, 0), AgentIDs: []domain.AgentID{"agent-kim"}},
		{ID: "m-tier3", Name: "Long Standing", JoinDate: today.AddDate(0, -30, 0), AgentIDs: []domain.AgentID{"agent-kim"}},
		{ID: "m-internal", Name: "Direct Member", JoinDate: today.AddDate(0, -3, 0), AgentIDs: []domain.AgentID{"agent-house"}},
		{ID: "m-split", Name: "Shared Member", JoinDate: today.AddDate(0, -14, 0), AgentIDs: []domain.AgentID{"agent-kim", "agent-ross"}},
		{ID: "m-orphan", Name: "Legacy Member", JoinDate: today.AddDate(0, -40, 0), AgentIDs: []domain.AgentID{"agent-retired"}},
	}
	for _, m := range members {
		m.DateOfBirth = today.AddDate(-30, 0, 0)
		m.PolicyID = "pol-standard"
		m.PayerType = domain.PayerIndividual
		m.Status = domain.MemberActive
		if err := h.Store.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
