package guard

import (
	"context"
	"log"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/decisionbus"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowmetrics"
)

// PageFunc reacts to a paging report, typically by engaging the kill switch
// or raising an alert.
type PageFunc func(ctx context.Context, rep models.EnforcementGuardReport)

// Worker tails the decision feed and scores a rolling window on an interval.
// It is an early-warning loop: the out-of-band metrics job over the stores
// remains the authoritative verdict.
type Worker struct {
	Consumer   decisionbus.Consumer
	Thresholds Thresholds
	Interval   time.Duration
	OnPage     PageFunc
	Logf       func(format string, args ...any)
	Now        func() time.Time

	window windowCounts
}

type windowCounts struct {
	from        time.Time
	total       int
	conflicts   int
	unresolved  int
	casesOpened int
	enforced    int
	divergences int
}

func NewWorker(consumer decisionbus.Consumer, th Thresholds, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		Consumer:   consumer,
		Thresholds: th,
		Interval:   interval,
		Logf:       log.Printf,
		Now:        time.Now,
	}
}

// Run consumes the feed until the context is cancelled, scoring the
// accumulated window every interval and resetting it afterwards.
func (w *Worker) Run(ctx context.Context) error {
	w.window = windowCounts{from: w.Now()}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	events := make(chan decisionbus.DecisionEvent)
	errs := make(chan error, 1)
	go func() {
		for {
			ev, err := w.Consumer.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		case ev := <-events:
			w.observe(ev)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Worker) observe(ev decisionbus.DecisionEvent) {
	w.window.total++
	if ev.PolicyConflictCode != "" {
		w.window.conflicts++
		if ev.PolicyConflictCode == models.ConflictPolicyVersionUnresolved {
			w.window.unresolved++
		}
	}
	if ev.CaseOpened {
		w.window.casesOpened++
	}
	if ev.EnforcementResult != "" {
		w.window.enforced++
	}
	if ev.Divergence {
		w.window.divergences++
	}
}

func (w *Worker) flush(ctx context.Context) {
	now := w.Now()
	counts := w.window
	w.window = windowCounts{from: now}
	if counts.total == 0 {
		return
	}

	rep := shadowmetrics.Report{
		WindowFromUTC:                models.UTCString(counts.from),
		WindowToUTC:                  models.UTCString(now),
		GeneratedAtUTC:               models.UTCString(now),
		TotalDecisions:               counts.total,
		ConflictCount:                counts.conflicts,
		PolicyVersionUnresolvedCount: counts.unresolved,
		CasesOpened:                  counts.casesOpened,
		EnforcementTotal:             counts.enforced,
		DivergenceCount:              counts.divergences,
	}
	total := float64(counts.total)
	rep.ConflictRate = float64(counts.conflicts) / total
	rep.PolicyVersionUnresolvedRate = float64(counts.unresolved) / total
	rep.CaseOpenRate = float64(counts.casesOpened) / total
	if counts.enforced > 0 {
		rep.DivergenceRate = float64(counts.divergences) / float64(counts.enforced)
	}

	verdict, err := Score(rep, w.Thresholds, now)
	if err != nil {
		w.Logf("guard worker score failed: %v", err)
		return
	}
	if verdict.OverallStatus != models.GuardOK {
		w.Logf("guard worker window %s..%s status %s (decisions=%d conflicts=%d divergences=%d)",
			rep.WindowFromUTC, rep.WindowToUTC, verdict.OverallStatus,
			counts.total, counts.conflicts, counts.divergences)
	}
	if verdict.RollbackRecommended && w.OnPage != nil {
		w.OnPage(ctx, verdict)
	}
}
