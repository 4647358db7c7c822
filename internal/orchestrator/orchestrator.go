// Package orchestrator wires the core together: deploy events open sessions
// and start timers, task selection feeds the notification dispatcher, and
// notification responses correlate back into sessions, redirection, and
// analytics. It is the only package that imports the other components; they
// communicate outward through return values and the event bus.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/activitylog"
	"github.com/G-Jeffreys/DeployBot/internal/analytics"
	"github.com/G-Jeffreys/DeployBot/internal/catalog"
	"github.com/G-Jeffreys/DeployBot/internal/config"
	"github.com/G-Jeffreys/DeployBot/internal/deploymonitor"
	"github.com/G-Jeffreys/DeployBot/internal/logging"
	"github.com/G-Jeffreys/DeployBot/internal/model"
	"github.com/G-Jeffreys/DeployBot/internal/notify"
	"github.com/G-Jeffreys/DeployBot/internal/project"
	"github.com/G-Jeffreys/DeployBot/internal/redirect"
	"github.com/G-Jeffreys/DeployBot/internal/selector"
	"github.com/G-Jeffreys/DeployBot/internal/timer"
)

// phase tracks where a project is in its deploy window.
type phase string

const (
	phaseAwaiting    phase = "awaiting"
	phaseUnified     phase = "unified"
	phaseTimerOnly   phase = "timer_only"
	phasePropagating phase = "propagating"
)

type sessionState struct {
	sessionID      string
	projectPath    string
	phase          phase
	deployCommand  string
	timerDurationS float64
	graceTimer     *time.Timer
}

// Orchestrator owns the per-project session map. Every mutation goes through
// mu; the component callbacks (monitor, timer, notification hooks) all
// funnel here.
type Orchestrator struct {
	cfg        *config.Config
	log        *logging.Logger
	registry   *project.Registry
	store      *analytics.Store
	monitor    *deploymonitor.Monitor
	timers     *timer.Engine
	selector   *selector.Selector
	redirector *redirect.Redirector
	notifier   *notify.Dispatcher
	bus        notify.Publisher
	activity   *activitylog.Sink

	mu               sync.Mutex
	sessions         map[string]*sessionState
	monitoring       bool
	monitorStop      chan struct{}
	currentProject   string
	monitoredDetails map[string]string // project → deploy log path

	// completionCheckDelay is the fixed window after a switch before the
	// completion heuristic looks for project activity. The signal is
	// heuristic (not tied to real app focus) and only enriches analytics.
	completionCheckDelay time.Duration
}

// Deps bundles the constructed components.
type Deps struct {
	Config     *config.Config
	Log        *logging.Logger
	Registry   *project.Registry
	Store      *analytics.Store
	Selector   *selector.Selector
	Redirector *redirect.Redirector
	Notifier   *notify.Dispatcher
	Bus        notify.Publisher
	Activity   *activitylog.Sink
}

// New wires the orchestrator. It creates its own monitor and timer engine so
// their callbacks land here, and installs the notification hooks.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:              d.Config,
		log:              d.Log,
		registry:         d.Registry,
		store:            d.Store,
		selector:         d.Selector,
		redirector:       d.Redirector,
		notifier:         d.Notifier,
		bus:              d.Bus,
		activity:         d.Activity,
		sessions:             map[string]*sessionState{},
		monitoredDetails:     map[string]string{},
		completionCheckDelay: 10 * time.Minute,
	}
	o.monitor = deploymonitor.New(o, d.Config.Monitor.PollInterval)
	o.timers = timer.New(o, d.Config.Timer.TickInterval, d.Config.Timer.TerminalGrace, d.Config.Timer.DefaultDurationS)

	d.Notifier.SetHooks(notify.Hooks{
		RecordInteraction: o.recordInteraction,
		Switch:            o.handleSwitch,
		StartNewTimer: func(proj string, durationS float64) {
			o.timers.Start(proj, durationS, "")
		},
		ViewTimer: o.publishTimerStatus,
		ViewLogs:  o.publishDeployLogs,
	})
	return o
}

// Run drives the timer engine until stopCh closes; the monitor loop is
// started and stopped via the monitoring commands.
func (o *Orchestrator) Run(stopCh <-chan struct{}) {
	ctx, cancel := contextFromStop(stopCh)
	defer cancel()
	o.timers.Run(ctx)
}

// Shutdown ends monitoring and cancels outstanding notification timers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.monitorStop != nil {
		close(o.monitorStop)
		o.monitorStop = nil
	}
	o.monitoring = false
	o.mu.Unlock()
	o.notifier.Stop()
}

// OnDeployEvent is the deploy-log monitor sink.
func (o *Orchestrator) OnDeployEvent(ev model.DeployEvent) {
	switch ev.Kind {
	case model.DeployStart:
		o.handleDeployStart(ev)
	case model.DeployComplete:
		o.handleDeployComplete(ev)
	}
}

// OnParseWarning is the deploy-log monitor warning sink.
func (o *Orchestrator) OnParseWarning(proj, line string) {
	o.log.Warnf("unparseable deploy log line for %s: %q", proj, line)
	o.activity.Log(proj, "PARSE_WARNING", fmt.Sprintf("skipped deploy log line: %.80s", line), nil)
}

func (o *Orchestrator) handleDeployStart(ev model.DeployEvent) {
	proj := ev.Project
	if proj == globalProject {
		// Lines in the shared fallback log identify their project only by
		// working directory.
		if ev.CWD == "" {
			o.log.Warnf("global deploy line without CWD ignored: %s", ev.Command)
			return
		}
		proj = filepath.Base(ev.CWD)
	}
	path, ok := o.projectPath(proj, ev.CWD)
	if !ok {
		o.log.Warnf("deploy for unknown project %q ignored", proj)
		return
	}

	o.publish("system", "focus_window", map[string]interface{}{"project": proj})

	pcfg := readProjectConfig(path)
	duration := float64(o.cfg.Timer.DefaultDurationS)
	if pcfg.Settings.DefaultTimer > 0 {
		duration = float64(pcfg.Settings.DefaultTimer)
	}

	sessionID, err := o.store.StartSession(path, proj, ev.Command, duration)
	if err != nil {
		o.log.Errorf("starting session for %s: %v", proj, err)
		return
	}

	o.timers.Start(proj, duration, ev.Command)
	o.activity.Log(proj, "DEPLOY_DETECTED", fmt.Sprintf("deploy started: %s", ev.Command), nil)

	state := &sessionState{
		sessionID:      sessionID,
		projectPath:    path,
		phase:          phaseAwaiting,
		deployCommand:  ev.Command,
		timerDurationS: duration,
	}

	o.mu.Lock()
	if prev := o.sessions[proj]; prev != nil && prev.graceTimer != nil {
		prev.graceTimer.Stop()
	}
	o.sessions[proj] = state
	o.currentProject = proj
	o.mu.Unlock()

	o.publish("deploy", "deploy_detected", map[string]interface{}{
		"project": proj, "command": ev.Command, "timer_duration": duration,
	})

	pending := pendingTasks(path)
	if len(pending) == 0 {
		o.mu.Lock()
		state.phase = phaseTimerOnly
		o.mu.Unlock()
		o.emitNotification("deploy_detected", map[string]interface{}{
			"project": proj, "command": ev.Command,
		})
	} else {
		grace := time.Duration(o.cfg.Notification.GracePeriodS) * time.Second
		if pcfg.Settings.GracePeriod > 0 {
			grace = time.Duration(pcfg.Settings.GracePeriod) * time.Second
		}
		o.mu.Lock()
		state.graceTimer = time.AfterFunc(grace, func() { o.unifiedSuggestion(proj) })
		o.mu.Unlock()
	}

	if _, err := o.store.RecordDeployPattern(path, proj, ev.Command, time.Now()); err != nil {
		o.log.Warnf("recording deploy pattern for %s: %v", proj, err)
	}
}

// unifiedSuggestion runs after the grace period: select a task and emit the
// combined timer+task notification, falling back to deploy_detected when
// nothing survives filtering.
func (o *Orchestrator) unifiedSuggestion(proj string) {
	o.mu.Lock()
	state := o.sessions[proj]
	o.mu.Unlock()
	if state == nil {
		return
	}

	o.publish("system", "focus_window", map[string]interface{}{"project": proj})

	timerInfo := map[string]interface{}{}
	if t, ok := o.timers.GetStatus(proj); ok {
		timerInfo["status"] = string(t.Status)
		timerInfo["duration_s"] = t.DurationS
	}

	res, found, err := o.selector.Select(state.projectPath, selector.Context{
		ProjectName:    proj,
		DeployActive:   true,
		TimerDurationS: state.timerDurationS,
		DeployCommand:  state.deployCommand,
		UseLLM:         o.cfg.LLM.Enabled,
	})
	if err != nil {
		o.log.Warnf("task selection for %s: %v", proj, err)
	}
	if !found {
		o.mu.Lock()
		state.phase = phaseTimerOnly
		o.mu.Unlock()
		o.emitNotification("deploy_detected", map[string]interface{}{
			"project": proj, "command": state.deployCommand,
		})
		return
	}

	o.mu.Lock()
	state.phase = phaseUnified
	o.mu.Unlock()

	if err := o.store.UpdateSessionTaskCounts(state.projectPath, state.sessionID, 1, 0); err != nil {
		o.log.Warnf("counting suggestion for %s: %v", proj, err)
	}
	o.activity.Log(proj, "TASK_SUGGESTED", fmt.Sprintf("suggested %q in %s", res.Task.Text, res.Task.App), nil)

	data := map[string]interface{}{
		"project":       proj,
		"task":          res.Task,
		"suggestion_id": res.SuggestionID,
		"timer_info":    timerInfo,
		"context": map[string]interface{}{
			"deploy_command": state.deployCommand,
			"deploy_active":  true,
		},
	}
	o.emitNotification("unified_suggestion", data)
	o.publish("task", "unified_suggested", map[string]interface{}{
		"project": proj, "task": res.Task, "suggestion_id": res.SuggestionID,
	})
}

func (o *Orchestrator) handleDeployComplete(ev model.DeployEvent) {
	proj := ev.Project
	if proj == globalProject {
		// Complete lines carry no CWD; match the command against the open
		// sessions instead.
		o.mu.Lock()
		for name, s := range o.sessions {
			if s.deployCommand == ev.Command {
				proj = name
				break
			}
		}
		o.mu.Unlock()
		if proj == globalProject {
			return
		}
	}

	o.mu.Lock()
	state := o.sessions[proj]
	if state != nil {
		state.phase = phasePropagating
	}
	o.mu.Unlock()

	o.activity.Log(proj, "DEPLOY_COMPLETE", fmt.Sprintf("deploy finished: %s", ev.Command), nil)

	status := "success"
	if ev.ExitCode != nil && *ev.ExitCode != 0 {
		status = fmt.Sprintf("exit code %d", *ev.ExitCode)
	}
	o.emitNotification("deploy_completed", map[string]interface{}{
		"project": proj, "command": ev.Command, "status": status,
	})
	// The timer keeps running: the cloud-propagation window outlives the
	// local command.
	o.publish("deploy", "deploy_completed", map[string]interface{}{
		"project": proj, "command": ev.Command, "status": status,
	})
}

// OnTimerUpdate is the timer engine's per-tick sink.
func (o *Orchestrator) OnTimerUpdate(u model.TimerUpdate) {
	o.publish("timer", "timer_update", map[string]interface{}{
		"project":        u.Project,
		"status":         string(u.Status),
		"remaining_s":    u.RemainingS,
		"duration_s":     u.DurationS,
		"progress_pct":   u.ProgressPct,
		"formatted":      u.Formatted,
		"paused":         u.Paused,
		"deploy_command": u.DeployCommand,
	})
}

// OnTimerExpired ends the project's session as completed.
func (o *Orchestrator) OnTimerExpired(proj string) {
	o.emitNotification("timer_expiry", map[string]interface{}{"project": proj})
	o.publish("timer", "timer_expired", map[string]interface{}{"project": proj})
	o.endSession(proj, model.SessionCompleted)
}

// Cancel aborts the project's window: timer stopped, session cancelled,
// pending suggestion and snoozes dropped.
func (o *Orchestrator) Cancel(proj, reason string) {
	o.timers.Stop(proj, reason)
	o.endSession(proj, model.SessionCancelled)
	o.publish("deploy", "deploy_cancelled", map[string]interface{}{"project": proj, "reason": reason})
}

func (o *Orchestrator) endSession(proj string, status model.SessionStatus) {
	o.mu.Lock()
	state := o.sessions[proj]
	delete(o.sessions, proj)
	o.mu.Unlock()
	if state == nil {
		return
	}
	if state.graceTimer != nil {
		state.graceTimer.Stop()
	}
	o.notifier.CancelProject(proj)

	if err := o.store.EndSession(state.projectPath, state.sessionID, status); err != nil {
		o.log.Warnf("ending session %s: %v", state.sessionID, err)
	}
	o.activity.Log(proj, "SESSION_END", fmt.Sprintf("session %s ended: %s", state.sessionID, status), nil)
	o.publish("deploy", "session_ended", map[string]interface{}{
		"project": proj, "session_id": o.displaySessionID(state.sessionID), "status": string(status),
	})
}

// recordInteraction is the notification hook for task notifications.
func (o *Orchestrator) recordInteraction(n model.Notification, itype model.InteractionType, responseTimeS float64) {
	proj := dataString(n.Data, "project")
	suggestionID := dataString(n.Data, "suggestion_id")
	if suggestionID == "" {
		return
	}
	path, ok := o.projectPath(proj, "")
	if !ok {
		return
	}
	if err := o.store.RecordInteraction(path, suggestionID, itype, responseTimeS, nil); err != nil {
		o.log.Warnf("recording interaction for %s: %v", proj, err)
	}
}

// handleSwitch applies the once-per-session switch: analytics first, then
// app redirection, then the result fanned out.
func (o *Orchestrator) handleSwitch(n model.Notification, _ map[string]interface{}) {
	proj := dataString(n.Data, "project")

	o.mu.Lock()
	state := o.sessions[proj]
	o.mu.Unlock()
	if state == nil {
		return
	}

	if err := o.store.RecordSwitch(state.projectPath, state.sessionID); err != nil {
		o.log.Warnf("recording switch for %s: %v", proj, err)
	}
	if err := o.store.UpdateSessionTaskCounts(state.projectPath, state.sessionID, 0, 1); err != nil {
		o.log.Warnf("counting acceptance for %s: %v", proj, err)
	}

	task := taskFromData(n.Data)
	result := o.redirector.Redirect(task, redirect.Context{
		ProjectName:   proj,
		ProjectPath:   state.projectPath,
		DeployCommand: state.deployCommand,
	})
	o.activity.Log(proj, "TASK_SWITCH", fmt.Sprintf("switched to %q via %s", task.Text, result.Method), nil)
	o.publish("task", "redirection_result", map[string]interface{}{
		"project": proj, "task": task, "redirect_result": result,
	})

	if suggestionID := dataString(n.Data, "suggestion_id"); suggestionID != "" {
		switchedAt := time.Now()
		projectPath := state.projectPath
		time.AfterFunc(o.completionCheckDelay, func() {
			o.detectCompletion(projectPath, suggestionID, switchedAt)
		})
	}
}

// detectCompletion marks the switch interaction completed when the project
// shows activity (TODO or deploy log touched) within the window after the
// switch.
func (o *Orchestrator) detectCompletion(projectPath, suggestionID string, since time.Time) {
	touched := false
	for _, name := range []string{"TODO.md", filepath.Join("logs", "deploy_log.txt")} {
		if info, err := os.Stat(filepath.Join(projectPath, name)); err == nil && info.ModTime().After(since) {
			touched = true
			break
		}
	}
	if !touched {
		return
	}
	if err := o.store.MarkCompletion(projectPath, suggestionID, model.CompletionTimeHeuristic, o.completionCheckDelay.Seconds()); err != nil {
		o.log.Warnf("marking completion for %s: %v", suggestionID, err)
	}
}

func (o *Orchestrator) publishTimerStatus(proj string) {
	if t, ok := o.timers.GetStatus(proj); ok {
		o.publish("timer", "timer_status", map[string]interface{}{"project": proj, "timer": t})
		return
	}
	o.publish("timer", "timer_status", map[string]interface{}{"project": proj, "timer": nil})
}

func (o *Orchestrator) publishDeployLogs(proj string) {
	path, ok := o.projectPath(proj, "")
	if !ok {
		return
	}
	lines := tailFile(filepath.Join(path, "logs", "activity.log"), 50)
	o.publish("logs", "deploy_logs", map[string]interface{}{"project": proj, "lines": lines})
}

func (o *Orchestrator) emitNotification(template string, data map[string]interface{}) {
	if _, err := o.notifier.Emit(template, data); err != nil {
		o.log.Errorf("emitting %s notification: %v", template, err)
	}
}

func (o *Orchestrator) publish(msgType, event string, data map[string]interface{}) {
	if o.bus != nil {
		o.bus.Publish(msgType, event, data)
	}
}

// projectPath resolves a project name through the registry, falling back to
// the deploy event's CWD when the registry has no entry.
func (o *Orchestrator) projectPath(proj, cwd string) (string, bool) {
	if path, ok := o.registry.Resolve(proj); ok {
		return path, true
	}
	if cwd != "" {
		if info, err := os.Stat(cwd); err == nil && info.IsDir() {
			return cwd, true
		}
	}
	return "", false
}

func pendingTasks(projectPath string) []model.Task {
	var pending []model.Task
	for _, t := range catalog.Parse(filepath.Join(projectPath, "TODO.md")) {
		if !t.Completed {
			pending = append(pending, t)
		}
	}
	return pending
}

func readProjectConfig(projectPath string) model.ProjectConfig {
	var cfg model.ProjectConfig
	data, err := os.ReadFile(filepath.Join(projectPath, "config.json"))
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return model.ProjectConfig{}
	}
	return cfg
}

func dataString(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// taskFromData recovers the task attached to a notification, whether it was
// stored as a typed Task or as decoded JSON.
func taskFromData(data map[string]interface{}) model.Task {
	switch v := data["task"].(type) {
	case model.Task:
		return v
	case *model.Task:
		if v != nil {
			return *v
		}
	case map[string]interface{}:
		var t model.Task
		if raw, err := json.Marshal(v); err == nil {
			json.Unmarshal(raw, &t)
		}
		return t
	}
	return model.Task{}
}

func tailFile(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
