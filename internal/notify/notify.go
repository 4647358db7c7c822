// Package notify implements the notification dispatcher: templated,
// actionable notifications fanned out to the in-app event bus and the best
// available platform channel, with snooze/reschedule, auto-dismiss, and
// response correlation back into sessions and analytics via hooks the
// orchestrator installs.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/deployerr"
	"github.com/G-Jeffreys/DeployBot/internal/ids"
	"github.com/G-Jeffreys/DeployBot/internal/model"
)

const historyCap = 50

// Template defines one of the fixed notification shapes. Placeholders of the
// form {name} in Title and Message are substituted from the flattened emit
// data.
type Template struct {
	Title        string
	Message      string
	Actions      []string
	Category     string
	Sound        string
	AutoDismissS float64
}

var templates = map[string]Template{
	"deploy_detected": {
		Title:    "🚀 Deploy Detected",
		Message:  "Deployment started: {command}",
		Actions:  []string{"view_timer", "dismiss"},
		Category: "deploy",
		Sound:    "default",
	},
	"task_suggestion": {
		Title:    "🎯 Task Suggestion",
		Message:  "Switch to: {task_text}",
		Actions:  []string{"switch_now", "snooze_5min", "dismiss"},
		Category: "task",
		Sound:    "default",
	},
	"timer_expiry": {
		Title:    "⏰ Timer Expired",
		Message:  "Deploy timer finished for {project}",
		Actions:  []string{"view_project", "start_new_timer", "dismiss"},
		Category: "timer",
		Sound:    "default",
	},
	"deploy_completed": {
		Title:    "✅ Deploy Complete",
		Message:  "Deployment finished: {status}",
		Actions:  []string{"view_logs", "dismiss"},
		Category: "deploy",
		Sound:    "success",
	},
	"unified_suggestion": {
		Title:    "🚀 Deploy Detected",
		Message:  "Deploying {project}. Switch to: {task_text}",
		Actions:  []string{"switch_to_task", "snooze_5min", "snooze_10min", "view_timer", "dismiss"},
		Category: "unified",
		Sound:    "default",
	},
}

// Publisher is the in-app event bus surface the dispatcher publishes to.
// Delivery here is unconditional: even when every platform channel fails,
// connected clients still see the notification.
type Publisher interface {
	Publish(msgType, event string, data map[string]interface{})
}

// Hooks are installed by the orchestrator to correlate responses back into
// sessions, analytics, and redirection. Any hook may be nil.
type Hooks struct {
	RecordInteraction func(n model.Notification, itype model.InteractionType, responseTimeS float64)
	Switch            func(n model.Notification, extra map[string]interface{})
	StartNewTimer     func(project string, durationS float64)
	ViewTimer         func(project string)
	ViewLogs          func(project string)
}

// Dispatcher owns the active-notification map and history ring.
type Dispatcher struct {
	mu       sync.Mutex
	seq      uint64
	active   map[string]*model.Notification
	history  []model.Notification
	snoozes  map[string]*snoozeEntry // pending reminders, keyed by snoozed notification id
	dismiss  map[string]*time.Timer
	bus      Publisher
	channels []Channel
	hooks    Hooks

	lastChannelOK  string
	lastChannelErr string

	now func() float64
}

// New creates a Dispatcher publishing to bus and cascading over channels in
// order. Use DefaultChannels for the platform set.
func New(bus Publisher, channels []Channel) *Dispatcher {
	return &Dispatcher{
		active:   map[string]*model.Notification{},
		snoozes:  map[string]*snoozeEntry{},
		dismiss:  map[string]*time.Timer{},
		bus:      bus,
		channels: channels,
		now:      model.NowSeconds,
	}
}

// SetHooks installs the orchestrator's correlation hooks. Must be called
// before the first Emit.
func (d *Dispatcher) SetHooks(h Hooks) { d.hooks = h }

// Emit formats and dispatches a notification from the named template,
// returning its id. Unknown template names are an error.
func (d *Dispatcher) Emit(templateName string, data map[string]interface{}) (string, error) {
	tmpl, ok := templates[templateName]
	if !ok {
		return "", fmt.Errorf("unknown notification template %q: %w", templateName, deployerr.ErrContractViolation)
	}

	flat := Flatten(data)
	d.mu.Lock()
	d.seq++
	n := &model.Notification{
		ID:           fmt.Sprintf("n%08d-%s", d.seq, ids.New()),
		TemplateName: templateName,
		Title:        substitute(tmpl.Title, flat),
		Message:      substitute(tmpl.Message, flat),
		Actions:      append([]string(nil), tmpl.Actions...),
		Category:     tmpl.Category,
		Data:         data,
		CreatedTS:    d.now(),
		AutoDismissS: tmpl.AutoDismissS,
		State:        model.NotificationActive,
	}
	d.register(n)
	d.mu.Unlock()

	d.fanOut(n, tmpl.Sound)
	return n.ID, nil
}

// register stores n in active and history. Caller holds mu.
func (d *Dispatcher) register(n *model.Notification) {
	d.active[n.ID] = n
	d.history = append(d.history, *n)
	if len(d.history) > historyCap {
		d.history = d.history[len(d.history)-historyCap:]
	}
	if n.AutoDismissS > 0 {
		id := n.ID
		d.dismiss[id] = time.AfterFunc(time.Duration(n.AutoDismissS*float64(time.Second)), func() {
			d.Respond(id, "auto_dismiss", nil)
		})
	}
}

func (d *Dispatcher) fanOut(n *model.Notification, sound string) {
	if d.bus != nil {
		d.bus.Publish("notification", "new_notification", notificationPayload(n))
	}

	// The in-app publish above is the guaranteed channel; the platform
	// cascade below is best-effort.
	for _, ch := range d.channels {
		if err := ch.Send(n.Title, n.Message, sound); err != nil {
			d.mu.Lock()
			d.lastChannelErr = fmt.Sprintf("%s: %v", ch.Name(), err)
			d.mu.Unlock()
			continue
		}
		d.mu.Lock()
		d.lastChannelOK = ch.Name()
		d.mu.Unlock()
		break
	}
}

func notificationPayload(n *model.Notification) map[string]interface{} {
	return map[string]interface{}{
		"id":             n.ID,
		"template":       n.TemplateName,
		"title":          n.Title,
		"message":        n.Message,
		"actions":        n.Actions,
		"category":       n.Category,
		"data":           n.Data,
		"created_ts":     n.CreatedTS,
		"auto_dismiss_s": n.AutoDismissS,
	}
}

// Respond applies a user (or auto-dismiss) action to an active notification.
// Responding again to an already-resolved id succeeds without side effects;
// an unknown id returns false.
func (d *Dispatcher) Respond(id, action string, extra map[string]interface{}) bool {
	d.mu.Lock()
	n, ok := d.active[id]
	if !ok {
		// A repeat response on an already-resolved notification succeeds
		// without side effects; a never-seen id fails.
		resolved := d.historyState(id) != ""
		d.mu.Unlock()
		return resolved
	}

	responseTime := d.now() - n.CreatedTS
	isSnooze := strings.HasPrefix(action, "snooze")

	if t := d.dismiss[id]; t != nil {
		t.Stop()
		delete(d.dismiss, id)
	}

	switch {
	case action == "switch_now" || action == "switch_to_task":
		n.State = model.NotificationResponded
	case isSnooze:
		n.State = model.NotificationSnoozed
	case action == "auto_dismiss":
		n.State = model.NotificationAutoDismissed
	case action == "dismiss":
		n.State = model.NotificationDismissed
	default:
		n.State = model.NotificationResponded
	}

	delete(d.active, id)
	d.setHistoryState(id, n.State)
	notif := *n

	if isSnooze {
		d.scheduleSnooze(notif, snoozeDelay(action, extra))
	}
	d.mu.Unlock()

	d.correlate(notif, action, responseTime, extra)

	if d.bus != nil {
		d.bus.Publish("notification", "response_processed", map[string]interface{}{
			"notification_id": notif.ID,
			"action":          action,
			"response_time_s": responseTime,
		})
	}
	return true
}

// correlate maps the action to an analytics interaction and fires the
// orchestrator hooks.
func (d *Dispatcher) correlate(n model.Notification, action string, responseTime float64, extra map[string]interface{}) {
	itype := interactionType(action)
	isTaskNotification := n.TemplateName == "task_suggestion" || n.TemplateName == "unified_suggestion"
	if isTaskNotification && d.hooks.RecordInteraction != nil {
		d.hooks.RecordInteraction(n, itype, responseTime)
	}

	switch {
	case action == "switch_now" || action == "switch_to_task":
		if d.hooks.Switch != nil {
			d.hooks.Switch(n, extra)
		}
	case action == "start_new_timer":
		if d.hooks.StartNewTimer != nil {
			duration := 1800.0
			if v, ok := extra["duration"].(float64); ok && v > 0 {
				duration = v
			}
			d.hooks.StartNewTimer(projectOf(n), duration)
		}
	case action == "view_timer":
		if d.hooks.ViewTimer != nil {
			d.hooks.ViewTimer(projectOf(n))
		}
	case action == "view_logs":
		if d.hooks.ViewLogs != nil {
			d.hooks.ViewLogs(projectOf(n))
		}
	}
}

func interactionType(action string) model.InteractionType {
	switch {
	case action == "switch_now" || action == "switch_to_task":
		return model.InteractionAccepted
	case strings.HasPrefix(action, "snooze"):
		return model.InteractionSnoozed
	case action == "dismiss":
		return model.InteractionDismissed
	default:
		return model.InteractionIgnored
	}
}

func snoozeDelay(action string, extra map[string]interface{}) time.Duration {
	switch action {
	case "snooze_5min":
		return 5 * time.Minute
	case "snooze_10min":
		return 10 * time.Minute
	}
	if v, ok := extra["snooze_minutes"].(float64); ok && v >= 0 {
		return time.Duration(v * float64(time.Minute))
	}
	return 5 * time.Minute
}

const reminderSuffix = " (Reminder)"

type snoozeEntry struct {
	timer   *time.Timer
	project string
}

// scheduleSnooze re-emits a fresh notification after the delay. The message
// gains the reminder suffix once per chain. Caller holds mu.
func (d *Dispatcher) scheduleSnooze(n model.Notification, delay time.Duration) {
	id := n.ID
	t := time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.snoozes, id)
		d.seq++
		fresh := n
		fresh.ID = fmt.Sprintf("n%08d-%s", d.seq, ids.New())
		if !strings.HasSuffix(fresh.Message, reminderSuffix) {
			fresh.Message += reminderSuffix
		}
		fresh.CreatedTS = d.now()
		fresh.State = model.NotificationActive
		d.register(&fresh)
		d.mu.Unlock()

		sound := templates[fresh.TemplateName].Sound
		d.fanOut(&fresh, sound)
	})
	d.snoozes[id] = &snoozeEntry{timer: t, project: projectOf(n)}
}

// historyState returns the recorded terminal state for id, or "" when the id
// is unknown or still active. Caller holds mu.
func (d *Dispatcher) historyState(id string) model.NotificationState {
	for i := range d.history {
		if d.history[i].ID == id && d.history[i].State != model.NotificationActive {
			return d.history[i].State
		}
	}
	return ""
}

func (d *Dispatcher) setHistoryState(id string, state model.NotificationState) {
	for i := range d.history {
		if d.history[i].ID == id {
			d.history[i].State = state
			return
		}
	}
}

// CancelProject drops every pending snooze, auto-dismiss, and active
// notification belonging to project. Called when the orchestrator returns
// the project to idle.
func (d *Dispatcher) CancelProject(project string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, n := range d.active {
		if projectOf(*n) != project {
			continue
		}
		if t := d.dismiss[id]; t != nil {
			t.Stop()
			delete(d.dismiss, id)
		}
		n.State = model.NotificationDismissed
		d.setHistoryState(id, model.NotificationDismissed)
		delete(d.active, id)
	}
	for id, e := range d.snoozes {
		if e.project != project {
			continue
		}
		e.timer.Stop()
		delete(d.snoozes, id)
	}
}

// Stop cancels all outstanding timers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.snoozes {
		e.timer.Stop()
		delete(d.snoozes, id)
	}
	for id, t := range d.dismiss {
		t.Stop()
		delete(d.dismiss, id)
	}
}

// Active returns a snapshot of the active notifications, ordered by id
// (creation order).
func (d *Dispatcher) Active() []model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Notification, 0, len(d.active))
	for _, n := range d.active {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the bounded notification history, oldest first.
func (d *Dispatcher) History() []model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Notification(nil), d.history...)
}

// Diagnostics reports the channel preference order and the most recent
// success and failure, for the diagnose wire command.
func (d *Dispatcher) Diagnostics() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	order := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		order = append(order, ch.Name())
	}
	return map[string]interface{}{
		"channel_order":     order,
		"last_success":      d.lastChannelOK,
		"last_error":        d.lastChannelErr,
		"in_app_guaranteed": true,
	}
}

func projectOf(n model.Notification) string {
	if p, ok := n.Data["project"].(string); ok {
		return p
	}
	if p, ok := n.Data["project_name"].(string); ok {
		return p
	}
	return ""
}

// Flatten converts nested emit data into the flat substitution namespace:
// nested maps join with underscores, dots in keys become underscores, and a
// task value exposes task_text and task_app.
func Flatten(data map[string]interface{}) map[string]string {
	flat := map[string]string{}
	flattenInto(flat, "", data)
	return flat
}

func flattenInto(flat map[string]string, prefix string, data map[string]interface{}) {
	for k, v := range data {
		key := prefix + strings.ReplaceAll(k, ".", "_")
		switch val := v.(type) {
		case map[string]interface{}:
			flattenInto(flat, key+"_", val)
		case model.Task:
			flat[key+"_text"] = val.Text
			flat[key+"_app"] = val.App
		case *model.Task:
			if val != nil {
				flat[key+"_text"] = val.Text
				flat[key+"_app"] = val.App
			}
		default:
			flat[key] = fmt.Sprintf("%v", val)
		}
	}
}

func substitute(template string, flat map[string]string) string {
	out := template
	for k, v := range flat {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
