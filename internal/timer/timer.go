// Package timer runs the per-project countdown singletons: pause, resume,
// extend, a periodic broadcast tick shared across all projects, and a short
// grace window where terminal timers remain visible before being dropped.
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/model"
)

// UpdateSink receives a TimerUpdate on every tick and an OnTimerExpired call
// when a timer transitions into the expired state.
type UpdateSink interface {
	OnTimerUpdate(model.TimerUpdate)
	OnTimerExpired(project string)
}

// Engine owns the project→Timer map. All mutations happen under mu, including
// those made by the tick loop, so the mutex is the serialization point rather
// than a message-passing channel.
type Engine struct {
	mu            sync.Mutex
	timers        map[string]*model.Timer
	terminalSince map[string]time.Time
	sink          UpdateSink
	tick          time.Duration
	grace         time.Duration
	defaultDur    float64
	stopCh        chan struct{}
	tickerRunning bool
}

// New creates an Engine. tick is the broadcast interval; grace is how long a
// stopped or expired timer is retained for UI transition before being
// dropped.
func New(sink UpdateSink, tick, grace time.Duration, defaultDurationS int) *Engine {
	return &Engine{
		timers:        map[string]*model.Timer{},
		terminalSince: map[string]time.Time{},
		sink:          sink,
		tick:          tick,
		grace:         grace,
		defaultDur:    float64(defaultDurationS),
		stopCh:        make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then stops the ticker goroutine. The
// ticker itself is started lazily by Start and exits on its own when no
// timers remain.
func (e *Engine) Run(ctx context.Context) {
	<-ctx.Done()
	close(e.stopCh)
}

// ensureTickerLocked spawns the tick goroutine if it isn't running. Caller
// holds mu.
func (e *Engine) ensureTickerLocked() {
	if e.tickerRunning {
		return
	}
	e.tickerRunning = true
	go e.tickLoop()
}

func (e *Engine) tickLoop() {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.onTick() == 0 {
				e.mu.Lock()
				if len(e.timers) == 0 {
					e.tickerRunning = false
					e.mu.Unlock()
					return
				}
				e.mu.Unlock()
			}
		}
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Start replaces any existing timer for project with a fresh running one.
func (e *Engine) Start(project string, durationS float64, deployCommand string) model.Timer {
	if durationS < 0 {
		durationS = e.defaultDur
	}
	t := model.Timer{
		Project:       project,
		StartTS:       now(),
		DurationS:     durationS,
		EndTS:         now() + durationS,
		Status:        model.TimerRunning,
		DeployCommand: deployCommand,
	}

	e.mu.Lock()
	e.timers[project] = &t
	delete(e.terminalSince, project)
	e.ensureTickerLocked()
	e.mu.Unlock()

	// A zero-remaining timer transitions to expired on the next tick, not
	// here; the tick loop is the single place status transitions happen.
	return t
}

// Stop marks the timer stopped. The reason is logged by callers but not
// carried on the timer itself.
func (e *Engine) Stop(project string, _ string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[project]
	if !ok {
		return false
	}
	t.Status = model.TimerStopped
	e.terminalSince[project] = time.Now()
	return true
}

// Pause suspends a running timer.
func (e *Engine) Pause(project string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[project]
	if !ok {
		return fmt.Errorf("no timer for project %q", project)
	}
	if t.Status != model.TimerRunning {
		return fmt.Errorf("timer for %q is not running", project)
	}
	n := now()
	t.Paused = true
	t.PauseStartedTS = &n
	t.Status = model.TimerPaused
	return nil
}

// Resume un-pauses a timer, shifting end_ts forward by the elapsed pause
// duration.
func (e *Engine) Resume(project string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[project]
	if !ok {
		return fmt.Errorf("no timer for project %q", project)
	}
	if !t.Paused || t.PauseStartedTS == nil {
		return fmt.Errorf("timer for %q is not paused", project)
	}
	elapsed := now() - *t.PauseStartedTS
	t.AccruedPauseS += elapsed
	t.EndTS += elapsed
	t.Paused = false
	t.PauseStartedTS = nil
	t.Status = model.TimerRunning
	return nil
}

// Extend adds deltaS to both end_ts and duration_s.
func (e *Engine) Extend(project string, deltaS float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[project]
	if !ok {
		return fmt.Errorf("no timer for project %q", project)
	}
	t.EndTS += deltaS
	t.DurationS += deltaS
	return nil
}

// GetStatus returns a copy of the current timer for project, if any.
func (e *Engine) GetStatus(project string) (model.Timer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[project]
	if !ok {
		return model.Timer{}, false
	}
	return *t, true
}

// GetAll returns a snapshot of every tracked timer.
func (e *Engine) GetAll() []model.Timer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Timer, 0, len(e.timers))
	for _, t := range e.timers {
		out = append(out, *t)
	}
	return out
}

func remaining(t *model.Timer) float64 {
	n := now()
	pauseOffset := 0.0
	if t.Paused && t.PauseStartedTS != nil {
		pauseOffset = n - *t.PauseStartedTS
	}
	r := t.EndTS - n - pauseOffset
	if r < 0 {
		r = 0
	}
	return r
}

func progressPct(t *model.Timer, remainingS float64) float64 {
	if t.DurationS <= 0 {
		return 100
	}
	p := 100 * (t.DurationS - remainingS) / t.DurationS
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

func formatRemaining(s float64) string {
	total := int(s)
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

// onTick recomputes every timer, fires expiry and drop transitions, and
// returns the number of timers still tracked.
func (e *Engine) onTick() int {
	e.mu.Lock()
	var toExpire []string
	var toDrop []string
	updates := make([]model.TimerUpdate, 0, len(e.timers))

	for project, t := range e.timers {
		if t.Status == model.TimerStopped || t.Status == model.TimerExpired {
			since, ok := e.terminalSince[project]
			if !ok {
				e.terminalSince[project] = time.Now()
			} else if time.Since(since) >= e.grace {
				toDrop = append(toDrop, project)
			}
			continue
		}

		if t.Paused {
			r := remaining(t)
			updates = append(updates, model.TimerUpdate{
				Project: project, Status: t.Status, RemainingS: r, DurationS: t.DurationS,
				ProgressPct: progressPct(t, r), Formatted: formatRemaining(r),
				Paused: true, DeployCommand: t.DeployCommand,
			})
			continue
		}

		r := remaining(t)
		if r <= 0 {
			t.Status = model.TimerExpired
			e.terminalSince[project] = time.Now()
			toExpire = append(toExpire, project)
		}
		updates = append(updates, model.TimerUpdate{
			Project: project, Status: t.Status, RemainingS: r, DurationS: t.DurationS,
			ProgressPct: progressPct(t, r), Formatted: formatRemaining(r),
			Paused: false, DeployCommand: t.DeployCommand,
		})
	}

	for _, p := range toDrop {
		delete(e.timers, p)
		delete(e.terminalSince, p)
	}
	remaining := len(e.timers)
	e.mu.Unlock()

	if e.sink != nil {
		for _, u := range updates {
			e.sink.OnTimerUpdate(u)
		}
		for _, p := range toExpire {
			e.sink.OnTimerExpired(p)
		}
	}
	return remaining
}
