// Package scheduler drives time-based behavior: due clause firing, overdue
// milestone marking, escrow re-evaluation and ledger reconciliation. Trigger
// identity lives in the database (next_fire_at, the event cursor), so a
// missed or late tick changes when work happens, never how often.
package scheduler

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"pactline/internal/engine"
	"pactline/internal/repo"
)

type Worker struct {
	Engine      engine.Engine
	Interval    time.Duration
	Parallelism int
	Logger      *log.Logger
}

func New(e engine.Engine) *Worker {
	return &Worker{
		Engine:      e,
		Interval:    time.Duration(e.Config.Scheduler.TickSeconds) * time.Second,
		Parallelism: e.Config.Scheduler.Parallelism,
	}
}

func (w *Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run ticks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Tick(ctx); err != nil {
			w.logger().Printf("scheduler: tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one full pass. Agreements are evaluated in parallel with a
// bounded group; one agreement failing does not stop the others.
func (w *Worker) Tick(ctx context.Context) error {
	if _, err := w.Engine.MarkOverdueMilestones(ctx); err != nil {
		w.logger().Printf("scheduler: overdue milestones: %v", err)
	}
	agreements, err := w.listOpenAgreements(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	limit := w.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, id := range agreements {
		id := id
		g.Go(func() error {
			if _, err := w.Engine.EvaluateClauses(gctx, id); err != nil {
				w.logger().Printf("scheduler: clauses %s: %v", id, err)
			}
			if _, err := w.Engine.EvaluateEscrow(gctx, id); err != nil {
				w.logger().Printf("scheduler: escrow %s: %v", id, err)
			}
			if _, err := w.Engine.Reconcile(gctx, id); err != nil {
				w.logger().Printf("scheduler: reconcile %s: %v", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) listOpenAgreements(ctx context.Context) ([]string, error) {
	var ids []string
	for _, status := range []string{"active", "disputed"} {
		list, err := w.Engine.Repo.ListAgreements(ctx, repo.AgreementFilters{Status: status})
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}
