// Package audit reconciles committed state against the ledger.
//
// A pass checks that every user's ledger sums to their balance, that no
// balance is negative, and that every open market has positive pools. It
// reads committed state without locks, so a pass that overlaps a commit can
// observe a balance and a ledger from different instants; a violation is
// only reported if it is still present on a re-read.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/watmarket/market-engine/internal/metrics"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
	"github.com/watmarket/market-engine/internal/store"
)

// Check names.
const (
	CheckLedger  = "ledger_balance"
	CheckBalance = "negative_balance"
	CheckPools   = "pool_invariant"
)

// Violation is one failed check.
type Violation struct {
	Check   string `json:"check"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Report summarizes one pass.
type Report struct {
	Users      int         `json:"users"`
	Markets    int         `json:"markets"`
	Violations []Violation `json:"violations"`
}

// Reconciler runs audit passes.
type Reconciler struct {
	store store.Reader
}

// NewReconciler creates a reconciler. Reads bypass any cache in front of
// st so balances and ledgers come from the same source.
func NewReconciler(st store.Reader) *Reconciler {
	return &Reconciler{store: store.Uncached(st)}
}

// Run performs one pass, logging and counting every violation.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}

	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		v, err := r.checkUser(ctx, u)
		if err != nil {
			return nil, err
		}
		if len(v) > 0 {
			// Re-read once to rule out a commit landing between the reads.
			if v, err = r.checkUser(ctx, u); err != nil {
				return nil, err
			}
		}
		rep.Violations = append(rep.Violations, v...)
		rep.Users++
	}

	markets, err := r.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	for _, m := range markets {
		rep.Markets++
		if m.Status != model.StatusOpen {
			continue
		}
		if !m.YesPool.IsPositive() || !m.NoPool.IsPositive() {
			rep.Violations = append(rep.Violations, Violation{
				Check:   CheckPools,
				Subject: m.ID,
				Detail:  fmt.Sprintf("pools (%s, %s)", m.YesPool, m.NoPool),
			})
		}
	}

	for _, v := range rep.Violations {
		metrics.AuditViolations.WithLabelValues(v.Check).Inc()
		slog.Error("audit violation", "check", v.Check, "subject", v.Subject, "detail", v.Detail)
	}
	metrics.AuditRuns.Inc()
	slog.Info("audit complete", "users", rep.Users, "markets", rep.Markets, "violations", len(rep.Violations))
	return rep, nil
}

func (r *Reconciler) checkUser(ctx context.Context, userID string) ([]Violation, error) {
	balance, err := r.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", userID, err)
	}
	entries, err := r.store.ListUserLedger(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", userID, err)
	}

	var v []Violation
	var sum money.Amount
	for _, e := range entries {
		if sum, err = sum.Add(e.Amount); err != nil {
			return nil, fmt.Errorf("ledger %s: %w", userID, err)
		}
	}
	if sum != balance {
		v = append(v, Violation{
			Check:   CheckLedger,
			Subject: userID,
			Detail:  fmt.Sprintf("ledger sums to %s, balance is %s", sum, balance),
		})
	}
	if balance.IsNegative() {
		v = append(v, Violation{
			Check:   CheckBalance,
			Subject: userID,
			Detail:  fmt.Sprintf("balance %s", balance),
		})
	}
	return v, nil
}

// Scheduler runs the reconciler on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	rec      *Reconciler
	schedule string
}

// NewScheduler validates schedule (six fields, seconds first, or a descriptor
// such as "@every 5m") and returns a scheduler for rec.
func NewScheduler(rec *Reconciler, schedule string) (*Scheduler, error) {
	c := cron.New(cron.WithSeconds())
	s := &Scheduler{cron: c, rec: rec, schedule: schedule}
	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("audit schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running pass to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	slog.Info("audit scheduler started", "schedule", s.schedule)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("audit scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	if _, err := s.rec.Run(context.Background()); err != nil {
		slog.Error("audit pass failed", "err", err)
	}
}
