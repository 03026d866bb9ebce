package automation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/automation"
	"github.com/warp/billing-engine/commission"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/runlock"
	"github.com/warp/billing-engine/store/memory"
	"github.com/warp/billing-engine/store/sqlite"
)

var now = time.Date(2026, time.May, 12, 8, 0, 0, 0, time.UTC)

type fakeJob struct {
	calls int
	rows  []domain.Commission
	err   error
}

func (f *fakeJob) Run(context.Context) ([]domain.Commission, error) {
	f.calls++
	return f.rows, f.err
}

func setup(t *testing.T, job automation.CommissionJob) (*automation.Orchestrator, *memory.Store) {
	t.Helper()
	logger.Discard()
	s := memory.New()
	return automation.NewOrchestrator(s, job, runlock.NewLocal(), domain.FixedClock(now)), s
}

func TestExecuteMonthlyRun_CommissionSummary(t *testing.T) {
	job := &fakeJob{rows: []domain.Commission{
		{Amount: decimal.RequireFromString("15.00")},
		{Amount: decimal.RequireFromString("7.50")},
	}}
	o, s := setup(t, job)

	run, err := o.ExecuteMonthlyRun(context.Background(), domain.RunCommission, "ops@example.com", false)
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, "2026-5", run.PeriodKey)
	assert.Equal(t, domain.Date(2026, time.May, 11), run.ScheduledDate, "May 10 2026 is a Sunday")
	assert.Equal(t, "ops@example.com", run.TriggeredBy)
	assert.Equal(t, 2, run.Summary.Count)
	assert.True(t, run.Summary.TotalValue.Equal(decimal.RequireFromString("22.50")))

	stored, _ := s.ListMonthlyRuns(context.Background())
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RunCompleted, stored[0].Status)
}

func TestExecuteMonthlyRun_AlreadyCompleted_ReturnsNil(t *testing.T) {
	// GIVEN: A completed COMMISSION run for this period
	// WHEN: Triggered again without force
	// THEN: nil, nil and the job is not invoked
	job := &fakeJob{}
	o, s := setup(t, job)
	ctx := context.Background()

	_, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "cron", false)
	require.NoError(t, err)

	run, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "cron", false)
	assert.NoError(t, err)
	assert.Nil(t, run)
	assert.Equal(t, 1, job.calls)

	// Other run types are tracked independently
	recon, err := o.ExecuteMonthlyRun(ctx, domain.RunPremiumRecon, "cron", false)
	require.NoError(t, err)
	require.NotNil(t, recon)

	runs, _ := s.ListMonthlyRuns(ctx)
	assert.Len(t, runs, 2)
}

func TestExecuteMonthlyRun_ForceRerunsAfterCompletion(t *testing.T) {
	job := &fakeJob{}
	o, s := setup(t, job)
	ctx := context.Background()

	_, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "cron", false)
	require.NoError(t, err)

	run, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "admin", true)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 2, job.calls)

	runs, _ := s.ListMonthlyRuns(ctx)
	assert.Len(t, runs, 2)
}

func TestExecuteMonthlyRun_JobFailure_FailedAndReturned(t *testing.T) {
	job := &fakeJob{err: errors.New("members table unreachable")}
	o, s := setup(t, job)
	ctx := context.Background()

	run, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "cron", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "members table unreachable")
	require.NotNil(t, run)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "members table unreachable", run.Summary.Error)

	stored, _ := s.ListMonthlyRuns(ctx)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RunFailed, stored[0].Status)

	// A failed run is not "completed": the next trigger runs again
	job.err = nil
	retry, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "cron", false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, retry.Status)
}

// cancellingJob cancels the run's context and fails with its error.
type cancellingJob struct {
	cancel context.CancelFunc
}

func (j cancellingJob) Run(ctx context.Context) ([]domain.Commission, error) {
	j.cancel()
	return nil, ctx.Err()
}

func TestExecuteMonthlyRun_CancelledRunIsFinalized(t *testing.T) {
	// GIVEN: A SQLite-backed run whose caller cancels mid-job
	// WHEN: The job returns context.Canceled
	// THEN: The record is stored Failed and a forced re-run succeeds
	logger.Discard()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := automation.NewOrchestrator(store, cancellingJob{cancel: cancel}, runlock.NewLocal(), domain.FixedClock(now))

	run, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "api", false)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)

	stored, err := store.ListMonthlyRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RunFailed, stored[0].Status)

	retry := automation.NewOrchestrator(store, &fakeJob{}, runlock.NewLocal(), domain.FixedClock(now))
	again, err := retry.ExecuteMonthlyRun(context.Background(), domain.RunCommission, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, again.Status)
}

func TestExecuteMonthlyRun_LeftoverProcessingRun(t *testing.T) {
	tests := []struct {
		name      string
		startedAt time.Time
		force     bool
		wantErr   error
	}{
		{"recent run blocks a normal trigger", now.Add(-time.Minute), false, domain.ErrRunInProgress},
		{"force clears a recent run", now.Add(-time.Minute), true, nil},
		{"stale run is cleared without force", now.Add(-time.Hour), false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &fakeJob{}
			o, s := setup(t, job)
			ctx := context.Background()
			require.NoError(t, s.CreateMonthlyRun(ctx, domain.MonthlyRun{
				ID: "mr-leftover", RunType: domain.RunCommission, PeriodKey: "2026-5",
				ScheduledDate: domain.Date(2026, time.May, 11), Status: domain.RunProcessing,
				TriggeredBy: "cron", StartedAt: tt.startedAt,
			}))

			run, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "admin", tt.force)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, job.calls)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.RunCompleted, run.Status)

			runs, _ := s.ListMonthlyRuns(ctx)
			for _, r := range runs {
				if r.ID == "mr-leftover" {
					assert.Equal(t, domain.RunFailed, r.Status)
					assert.Equal(t, domain.AbandonedRunReason, r.Summary.Error)
				}
			}
		})
	}
}

func TestExecuteMonthlyRun_PremiumReconPlaceholder(t *testing.T) {
	job := &fakeJob{}
	o, _ := setup(t, job)

	run, err := o.ExecuteMonthlyRun(context.Background(), domain.RunPremiumRecon, "cron", false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, automation.ReconPlaceholderNote, run.Summary.Note)
	assert.Zero(t, run.Summary.Count)
	assert.Zero(t, job.calls)
}

func TestExecuteMonthlyRun_LockHeld(t *testing.T) {
	s := memory.New()
	locks := runlock.NewLocal()
	release, err := locks.Acquire(context.Background(), runlock.Key("monthly", "COMMISSION", "2026-5"))
	require.NoError(t, err)
	defer release()

	o := automation.NewOrchestrator(s, &fakeJob{}, locks, domain.FixedClock(now))
	_, err = o.ExecuteMonthlyRun(context.Background(), domain.RunCommission, "cron", false)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
}

func TestExecuteMonthlyRun_WithCommissionCalculator(t *testing.T) {
	// GIVEN: The real commission batch behind the orchestrator
	// THEN: Summary reflects the created rows; a second run creates nothing
	logger.Discard()
	s := memory.New()
	ctx := context.Background()
	clock := domain.FixedClock(now)

	require.NoError(t, s.SavePolicy(ctx, domain.Policy{ID: "p", AdultRate: decimal.NewFromInt(200)}))
	require.NoError(t, s.SaveAgent(ctx, domain.Agent{ID: "a", Type: domain.AgentBroker, Status: domain.AgentActive}))
	require.NoError(t, s.SaveMember(ctx, domain.Member{
		ID: "m", DateOfBirth: domain.Date(1990, 1, 1), JoinDate: now.AddDate(0, -13, 0),
		PolicyID: "p", AgentIDs: []domain.AgentID{"a"}, Status: domain.MemberActive,
	}))

	calc := commission.NewCalculator(s, ledger.NewPoster(s, clock), clock)
	o := automation.NewOrchestrator(s, calc, nil, clock)

	run, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "cron", false)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Summary.Count)
	assert.True(t, run.Summary.TotalValue.Equal(decimal.RequireFromString("15")))

	forced, err := o.ExecuteMonthlyRun(ctx, domain.RunCommission, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, 0, forced.Summary.Count, "idempotency keys stop duplicates on forced re-runs")
}

func TestDueCheck(t *testing.T) {
	o, _ := setup(t, &fakeJob{})
	ctx := context.Background()

	before, err := o.DueCheck(ctx, domain.RunCommission, domain.Date(2026, time.May, 10))
	require.NoError(t, err)
	assert.False(t, before.Due, "Sunday the 10th is before the adjusted date")
	assert.Equal(t, domain.Date(2026, time.May, 11), before.ScheduledDate)

	on, err := o.DueCheck(ctx, domain.RunCommission, domain.Date(2026, time.May, 11))
	require.NoError(t, err)
	assert.True(t, on.Due)

	_, err = o.ExecuteMonthlyRun(ctx, domain.RunCommission, "cron", false)
	require.NoError(t, err)

	after, err := o.DueCheck(ctx, domain.RunCommission, domain.Date(2026, time.May, 20))
	require.NoError(t, err)
	assert.False(t, after.Due)
	assert.True(t, after.Completed)
}

func TestParseRunType(t *testing.T) {
	rt, err := automation.ParseRunType("commission")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCommission, rt)

	_, err = automation.ParseRunType("payroll")
	assert.Error(t, err)
}
