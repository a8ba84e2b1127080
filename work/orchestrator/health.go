package orchestrator

import (
	"time"

	"github.com/eribbey/redcarrd/work/logger"
)

// errorWindow is how far back stderr error lines count against a process.
func (o *Orchestrator) errorWindow() time.Duration {
	if o.cfg.HealthStaleAfter > 0 {
		return o.cfg.HealthStaleAfter
	}
	return 30 * time.Second
}

// healthLoop drives periodic checks for one wrapper until it exits.
func (o *Orchestrator) healthLoop(w *ProcessWrapper) {
	interval := o.cfg.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			o.checkHealth(w)
		}
	}
}

// checkHealth inspects output staleness and recent stderr error pressure.
// Either signal past its threshold degrades the process; both signals
// clearing restores it. Only moves between healthy and degraded happen
// here; crash and kill transitions belong to the exit watcher and Kill.
func (o *Orchestrator) checkHealth(w *ProcessWrapper) {
	state := w.State()
	if state != StateHealthy && state != StateDegraded {
		return
	}

	silence := time.Since(w.LastOutput())
	stale := o.cfg.HealthStaleAfter > 0 && silence > o.cfg.HealthStaleAfter

	recentErrors := w.errHits.CountSince(time.Now().Add(-o.errorWindow()))
	noisy := o.cfg.HealthErrorLimit > 0 && recentErrors > o.cfg.HealthErrorLimit

	switch {
	case stale || noisy:
		if w.setState(StateDegraded) {
			logger.Warn("{orchestrator/health - checkHealth} channel %s degraded (silence=%s recentErrors=%d)", w.ChannelID, silence.Truncate(time.Millisecond), recentErrors)
		}
	case state == StateDegraded:
		if w.setState(StateHealthy) {
			logger.Info("{orchestrator/health - checkHealth} channel %s recovered", w.ChannelID)
		}
	}
}
