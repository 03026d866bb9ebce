package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/billing-engine/domain"
)

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `id, name, date_of_birth, join_date, policy_end_date, policy_id,
	dependants_json, agent_ids_json, payer_id, payer_type, status`

func (s *Store) SaveMember(ctx context.Context, m domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dependants := m.Dependants
	if dependants == nil {
		dependants = []domain.Dependant{}
	}
	depsJSON, err := encodeJSON(dependants)
	if err != nil {
		return fmt.Errorf("failed to encode dependants: %w", err)
	}
	agentIDs := m.AgentIDs
	if agentIDs == nil {
		agentIDs = []domain.AgentID{}
	}
	agentsJSON, err := encodeJSON(agentIDs)
	if err != nil {
		return fmt.Errorf("failed to encode agent ids: %w", err)
	}
	var payerID sql.NullString
	if m.PayerID != nil {
		payerID = nullString(string(*m.PayerID))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, formatTime(m.DateOfBirth), formatTime(m.JoinDate), formatTimePtr(m.PolicyEndDate),
		m.PolicyID, depsJSON, agentsJSON, payerID, m.PayerType, m.Status,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save member: %w", err))
	}
	return nil
}

func (s *Store) ListActiveMembers(ctx context.Context) ([]domain.Member, error) {
	return s.queryMembers(ctx, `SELECT `+memberColumns+` FROM members WHERE status = ? ORDER BY id`, domain.MemberActive)
}

func (s *Store) ListActiveMembersByPayer(ctx context.Context, payerID domain.PayerID) ([]domain.Member, error) {
	return s.queryMembers(ctx, `SELECT `+memberColumns+` FROM members WHERE status = ? AND payer_id = ? ORDER BY id`,
		domain.MemberActive, payerID)
}

func (s *Store) ListActiveMembersByPayerType(ctx context.Context, payerType domain.PayerType) ([]domain.Member, error) {
	return s.queryMembers(ctx, `SELECT `+memberColumns+` FROM members WHERE status = ? AND payer_type = ? ORDER BY id`,
		domain.MemberActive, payerType)
}

func (s *Store) queryMembers(ctx context.Context, query string, args ...any) ([]domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query members: %w", err))
	}
	defer rows.Close()

	var out []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMember(row scanner) (domain.Member, error) {
	var (
		m                    domain.Member
		dob, joined          string
		policyEnd, payerID   sql.NullString
		depsJSON, agentsJSON string
	)
	if err := row.Scan(&m.ID, &m.Name, &dob, &joined, &policyEnd, &m.PolicyID,
		&depsJSON, &agentsJSON, &payerID, &m.PayerType, &m.Status); err != nil {
		return m, fmt.Errorf("failed to scan member: %w", err)
	}

	var err error
	if m.DateOfBirth, err = parseTime(dob); err != nil {
		return m, err
	}
	if m.JoinDate, err = parseTime(joined); err != nil {
		return m, err
	}
	if m.PolicyEndDate, err = parseTimePtr(policyEnd); err != nil {
		return m, err
	}
	if err := decodeJSON(depsJSON, &m.Dependants); err != nil {
		return m, fmt.Errorf("failed to decode dependants of %s: %w", m.ID, err)
	}
	if err := decodeJSON(agentsJSON, &m.AgentIDs); err != nil {
		return m, fmt.Errorf("failed to decode agent ids of %s: %w", m.ID, err)
	}
	if payerID.Valid {
		id := domain.PayerID(payerID.String)
		m.PayerID = &id
	}
	return m, nil
}

// =============================================================================
// POLICIES
// =============================================================================

const policyColumns = `id, name, adult_rate, child_rate, senior_rate, coverage_limit, benefit_ids_json`

func (s *Store) SavePolicy(ctx context.Context, p domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	benefits := p.BenefitIDs
	if benefits == nil {
		benefits = []string{}
	}
	benefitsJSON, err := encodeJSON(benefits)
	if err != nil {
		return fmt.Errorf("failed to encode benefits: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO policies (`+policyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.AdultRate.String(), p.ChildRate.String(), p.SeniorRate.String(),
		p.CoverageLimit.String(), benefitsJSON,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save policy: %w", err))
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id domain.PolicyID) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY id`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query policies: %w", err))
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row scanner) (domain.Policy, error) {
	var (
		p                           domain.Policy
		adult, child, senior, limit string
		benefitsJSON                string
	)
	if err := row.Scan(&p.ID, &p.Name, &adult, &child, &senior, &limit, &benefitsJSON); err != nil {
		return p, err
	}

	var err error
	if p.AdultRate, err = parseDecimal(adult); err != nil {
		return p, err
	}
	if p.ChildRate, err = parseDecimal(child); err != nil {
		return p, err
	}
	if p.SeniorRate, err = parseDecimal(senior); err != nil {
		return p, err
	}
	if p.CoverageLimit, err = parseDecimal(limit); err != nil {
		return p, err
	}
	if err := decodeJSON(benefitsJSON, &p.BenefitIDs); err != nil {
		return p, fmt.Errorf("failed to decode benefits of %s: %w", p.ID, err)
	}
	return p, nil
}

// =============================================================================
// AGENTS
// =============================================================================

func (s *Store) SaveAgent(ctx context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents (id, name, type, status, commission_balance) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Type, a.Status, a.CommissionBalance.String(),
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save agent: %w", err))
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT id, name, type, status, commission_balance FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, status, commission_balance FROM agents ORDER BY id`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query agents: %w", err))
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var balance string
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &balance); err != nil {
		return a, err
	}
	var err error
	a.CommissionBalance, err = parseDecimal(balance)
	return a, err
}

// =============================================================================
// PREMIUM PAYERS
// =============================================================================

func (s *Store) SavePayer(ctx context.Context, p domain.PremiumPayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO premium_payers (id, name, type, payment_terms_days, active) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, p.PaymentTermsDays, p.Active,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save payer: %w", err))
	}
	return nil
}

func (s *Store) GetPayer(ctx context.Context, id domain.PayerID) (*domain.PremiumPayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p domain.PremiumPayer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, payment_terms_days, active FROM premium_payers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Type, &p.PaymentTermsDays, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) ListActivePayers(ctx context.Context, payerType domain.PayerType) ([]domain.PremiumPayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, payment_terms_days, active FROM premium_payers
		WHERE active = TRUE AND type = ? ORDER BY id`, payerType)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query payers: %w", err))
	}
	defer rows.Close()

	var out []domain.PremiumPayer
	for rows.Next() {
		var p domain.PremiumPayer
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.PaymentTermsDays, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// COMMISSION RULES
// =============================================================================

func (s *Store) SaveCommissionRule(ctx context.Context, r domain.CommissionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxTenure sql.NullInt64
	if r.MaxTenureMonths != nil {
		maxTenure = sql.NullInt64{Int64: int64(*r.MaxTenureMonths), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO commission_rules
		(id, name, agent_type, min_tenure_months, max_tenure_months, kind, value, label, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.AgentType, r.MinTenureMonths, maxTenure, r.Kind, r.Value.String(), r.Label, r.Active,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save commission rule: %w", err))
	}
	return nil
}

func (s *Store) ListCommissionRules(ctx context.Context) ([]domain.CommissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, agent_type, min_tenure_months, max_tenure_months, kind, value, label, active
		FROM commission_rules ORDER BY agent_type, min_tenure_months`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query commission rules: %w", err))
	}
	defer rows.Close()

	var out []domain.CommissionRule
	for rows.Next() {
		var (
			r         domain.CommissionRule
			maxTenure sql.NullInt64
			value     string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.AgentType, &r.MinTenureMonths, &maxTenure,
			&r.Kind, &value, &r.Label, &r.Active); err != nil {
			return nil, err
		}
		if maxTenure.Valid {
			n := int(maxTenure.Int64)
			r.MaxTenureMonths = &n
		}
		if r.Value, err = parseDecimal(value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
