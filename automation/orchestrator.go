/*
orchestrator.go - Monthly run orchestration

PURPOSE:
  Wraps the monthly jobs in MonthlyRun records so each (type, period) runs
  to completion at most once and every attempt leaves an audit trail.

FLOW (ExecuteMonthlyRun):
  1. period = current month, scheduled date = domain.ScheduledRunDate
  2. Unless force: a Completed run for (type, period) -> nil, nil
  3. Insert a Processing record
  4. Dispatch:
       COMMISSION    -> commission batch, summary {count, totalValue}
       PREMIUM_RECON -> placeholder summary, no work
  5. Completed with the summary, or Failed with {error} and the error returned

  Unlike the billing engine, failures are never downgraded to a simulated
  success.

CONCURRENCY:
  Runs are serialized per (type, period) by a runlock.Locker. The store
  additionally rejects a second Processing record for the same key.
  Before inserting, Processing records older than the stale window are
  failed; with force every leftover Processing record for the key is.
  The record is finalized on a context detached from the caller's
  cancellation.

SEE ALSO:
  - commission/batch.go: The COMMISSION job
  - domain/time.go: ScheduledRunDate
*/
package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/runlock"
)

// ReconPlaceholderNote is the summary note of a PREMIUM_RECON run.
const ReconPlaceholderNote = "premium reconciliation has no automated steps yet"

const finalizeTimeout = 10 * time.Second

// CommissionJob is the batch the COMMISSION run type dispatches to.
type CommissionJob interface {
	Run(ctx context.Context) ([]domain.Commission, error)
}

type Orchestrator struct {
	runs        domain.RunStore
	commissions CommissionJob
	locker      runlock.Locker
	clock       domain.Clock
	stale       time.Duration
	log         logger.Logger
}

func NewOrchestrator(runs domain.RunStore, commissions CommissionJob, locker runlock.Locker, clock domain.Clock) *Orchestrator {
	if locker == nil {
		locker = runlock.NewLocal()
	}
	if clock == nil {
		clock = domain.SystemClock
	}
	return &Orchestrator{
		runs:        runs,
		commissions: commissions,
		locker:      locker,
		clock:       clock,
		stale:       runlock.DefaultTTL,
		log:         logger.New("automation"),
	}
}

// ParseRunType accepts the run type case-insensitively.
func ParseRunType(s string) (domain.RunType, error) {
	switch t := domain.RunType(strings.ToUpper(strings.TrimSpace(s))); t {
	case domain.RunCommission, domain.RunPremiumRecon:
		return t, nil
	default:
		return "", fmt.Errorf("unknown run type %q", s)
	}
}

// ExecuteMonthlyRun runs the job for the current period. It returns nil, nil
// when a completed run already exists and force is false.
func (o *Orchestrator) ExecuteMonthlyRun(ctx context.Context, runType domain.RunType, triggeredBy string, force bool) (*domain.MonthlyRun, error) {
	log := o.log.Function("ExecuteMonthlyRun")

	now := o.clock()
	period := domain.PeriodOf(now)

	release, err := o.locker.Acquire(ctx, runlock.Key("monthly", string(runType), period.Key()))
	if err != nil {
		return nil, err
	}
	defer release()

	if !force {
		done, err := o.runs.HasCompletedMonthlyRun(ctx, runType, period.Key())
		if err != nil {
			return nil, log.Err("failed to check previous runs", err, "type", runType, "period", period.Key())
		}
		if done {
			log.Info("monthly run already completed", "type", runType, "period", period.Key())
			return nil, nil
		}
	}

	cutoff := now.Add(-o.stale)
	if force {
		cutoff = now
	}
	abandoned, err := o.runs.FailStaleMonthlyRuns(ctx, runType, period.Key(), cutoff, now)
	if err != nil {
		return nil, log.Err("failed to clear abandoned runs", err, "type", runType, "period", period.Key())
	}
	if abandoned > 0 {
		log.Warn("failed abandoned monthly runs", "type", runType, "period", period.Key(), "count", abandoned, "force", force)
	}

	run := &domain.MonthlyRun{
		ID:            domain.RunID(domain.NewID()),
		RunType:       runType,
		PeriodKey:     period.Key(),
		ScheduledDate: period.ScheduledRunDate(),
		Status:        domain.RunProcessing,
		TriggeredBy:   triggeredBy,
		StartedAt:     now,
	}
	if err := o.runs.CreateMonthlyRun(ctx, *run); err != nil {
		return nil, log.Err("failed to create run record", err, "type", runType, "period", period.Key())
	}
	log.Info("monthly run started", "run", run.ID, "type", runType, "period", run.PeriodKey, "triggeredBy", triggeredBy, "force", force)

	summary, err := o.dispatch(ctx, runType)
	done := o.clock()
	run.CompletedAt = &done

	if err != nil {
		run.Status = domain.RunFailed
		run.Summary = domain.RunSummary{Error: err.Error()}
		if uerr := o.finalize(ctx, run); uerr != nil {
			log.Er("failed to record run failure", uerr, "run", run.ID)
		}
		return run, log.Err("monthly run failed", err, "run", run.ID, "type", runType)
	}

	run.Status = domain.RunCompleted
	run.Summary = summary
	if err := o.finalize(ctx, run); err != nil {
		return run, log.Err("failed to finalize run record", err, "run", run.ID)
	}

	log.Info("monthly run completed", "run", run.ID, "count", summary.Count, "total", summary.TotalValue.StringFixed(2))
	return run, nil
}

// SetStaleAfter sets how old a Processing run must be before it counts as abandoned.
func (o *Orchestrator) SetStaleAfter(d time.Duration) { o.stale = d }

func (o *Orchestrator) finalize(ctx context.Context, run *domain.MonthlyRun) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return o.runs.UpdateMonthlyRun(ctx, *run)
}

func (o *Orchestrator) dispatch(ctx context.Context, runType domain.RunType) (domain.RunSummary, error) {
	switch runType {
	case domain.RunCommission:
		created, err := o.commissions.Run(ctx)
		if err != nil {
			return domain.RunSummary{}, err
		}
		total := decimal.Zero
		for _, c := range created {
			total = total.Add(c.Amount)
		}
		return domain.RunSummary{Count: len(created), TotalValue: total}, nil
	case domain.RunPremiumRecon:
		return domain.RunSummary{TotalValue: decimal.Zero, Note: ReconPlaceholderNote}, nil
	default:
		return domain.RunSummary{}, fmt.Errorf("unknown run type %q", runType)
	}
}

// =============================================================================
// DUE CHECK
// =============================================================================

// Due describes whether a period's monthly run should happen as of a date.
type Due struct {
	PeriodKey     string    `json:"period"`
	ScheduledDate time.Time `json:"scheduled_date"`
	Due           bool      `json:"due"`
	Completed     bool      `json:"completed"`
}

// DueCheck reports whether the run of runType for asOf's period is due: the
// scheduled date has been reached and no completed run exists.
func (o *Orchestrator) DueCheck(ctx context.Context, runType domain.RunType, asOf time.Time) (Due, error) {
	period := domain.PeriodOf(asOf)
	scheduled := period.ScheduledRunDate()

	completed, err := o.runs.HasCompletedMonthlyRun(ctx, runType, period.Key())
	if err != nil {
		return Due{}, err
	}
	return Due{
		PeriodKey:     period.Key(),
		ScheduledDate: scheduled,
		Due:           !completed && !domain.StartOfDay(asOf).Before(scheduled),
		Completed:     completed,
	}, nil
}
