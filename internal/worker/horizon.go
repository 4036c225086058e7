package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/healthfirst/availability-scheduling/internal/availability"
)

// Extender is satisfied by *availability.Service.
type Extender interface {
	ExtendHorizons(ctx context.Context) (availability.ExtendResult, error)
}

// HorizonWorker keeps recurring availability materialised ahead of today
// by running ExtendHorizons on a cron schedule. Overlapping runs are
// skipped rather than queued.
type HorizonWorker struct {
	svc     Extender
	cron    *cron.Cron
	timeout time.Duration
	log     zerolog.Logger

	// base parents scheduled passes; set by Run before the cron starts.
	base context.Context
}

func NewHorizonWorker(svc Extender, spec string, timeout time.Duration, log zerolog.Logger) (*HorizonWorker, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	w := &HorizonWorker{svc: svc, timeout: timeout, log: log, base: context.Background()}

	cl := cronLogger{log: log}
	w.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := w.cron.AddFunc(spec, func() { w.RunOnce(w.base) }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return w, nil
}

// Run executes one pass immediately, then follows the schedule until ctx
// is cancelled. Cancelling ctx also cancels an in-flight scheduled pass,
// which Run waits for before returning.
func (w *HorizonWorker) Run(ctx context.Context) {
	w.base = ctx
	w.RunOnce(ctx)

	w.cron.Start()
	<-ctx.Done()

	w.log.Info().Msg("shutdown signal received, stopping horizon worker")
	<-w.cron.Stop().Done()
}

func (w *HorizonWorker) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	res, err := w.svc.ExtendHorizons(runCtx)
	if err != nil {
		ev := w.log.Error()
		if errors.Is(err, context.Canceled) {
			ev = w.log.Warn()
		}
		ev.Err(err).Msg("horizon run error")
		return
	}

	w.log.Info().
		Int("rules_examined", res.RulesExamined).
		Int("rules_extended", res.RulesExtended).
		Int("slots_created", res.SlotsCreated).
		Int("conflicts_skipped", res.ConflictsSkipped).
		Int("failed", res.Failed).
		Dur("took", time.Since(start)).
		Msg("horizon run complete")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
