package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/activitylog"
	"github.com/G-Jeffreys/DeployBot/internal/analytics"
	"github.com/G-Jeffreys/DeployBot/internal/config"
	"github.com/G-Jeffreys/DeployBot/internal/logging"
	"github.com/G-Jeffreys/DeployBot/internal/model"
	"github.com/G-Jeffreys/DeployBot/internal/notify"
	"github.com/G-Jeffreys/DeployBot/internal/project"
	"github.com/G-Jeffreys/DeployBot/internal/redirect"
	"github.com/G-Jeffreys/DeployBot/internal/selector"
)

type busRecorder struct {
	mu     sync.Mutex
	events []busEvent
}

type busEvent struct {
	Type, Event string
	Data        map[string]interface{}
}

func (b *busRecorder) Publish(msgType, event string, data map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{msgType, event, data})
}

func (b *busRecorder) has(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Event == event {
			return true
		}
	}
	return false
}

func (b *busRecorder) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.has(event) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %q never published", event)
}

const testTodo = `## Pending Tasks
- [ ] Write product video script #short #creative
- [ ] Review Firebase rules #backend #research
- [x] Initialize project
`

type fixture struct {
	orch *Orchestrator
	bus  *busRecorder
	dir  string
	reg  *project.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "demo")
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "TODO.md"), []byte(testTodo), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"projectName":"demo","settings":{"defaultTimer":1800,"graceperiod":0}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := project.New(filepath.Join(root, "project_mappings.json"), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("demo", dir); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Server:       config.ServerConfig{Port: 0},
		Monitor:      config.MonitorConfig{PollInterval: 20 * time.Millisecond, ConfigDir: filepath.Join(root, "deploybot")},
		Timer:        config.TimerConfig{TickInterval: 20 * time.Millisecond, TerminalGrace: 50 * time.Millisecond, DefaultDurationS: 1800},
		Notification: config.NotificationConfig{GracePeriodS: 0},
	}

	bus := &busRecorder{}
	store := analytics.New()
	notifier := notify.New(bus, nil)
	sink := activitylog.New(func(name string) (string, bool) {
		if name == "demo" {
			return dir, true
		}
		return "", false
	}, filepath.Join(root, "system_activity.log"), nil)

	red := redirect.New()
	orch := New(Deps{
		Config:     cfg,
		Log:        logging.New(),
		Registry:   reg,
		Store:      store,
		Selector:   selector.New(store, nil),
		Redirector: red,
		Notifier:   notifier,
		Bus:        bus,
		Activity:   sink,
	})
	// red is built with redirect.New(), so it runs real commands.
	t.Cleanup(orch.Shutdown)
	return &fixture{orch: orch, bus: bus, dir: dir, reg: reg}
}

type sessionsShard struct {
	Month    string                `json:"month"`
	Sessions []model.DeploySession `json:"deploy_sessions"`
}

func readSessions(t *testing.T, dir string) []model.DeploySession {
	t.Helper()
	month := time.Now().Format("2006-01")
	data, err := os.ReadFile(filepath.Join(dir, "analytics", "sessions_"+month+".json"))
	if err != nil {
		t.Fatalf("reading sessions shard: %v", err)
	}
	var shard sessionsShard
	if err := json.Unmarshal(data, &shard); err != nil {
		t.Fatal(err)
	}
	return shard.Sessions
}

func startDeploy(f *fixture) {
	f.orch.OnDeployEvent(model.DeployEvent{
		Kind: model.DeployStart, Timestamp: 1700000000.0,
		Command: "firebase deploy", CWD: f.dir, Project: "demo",
	})
}

func waitUnified(t *testing.T, f *fixture) model.Notification {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range f.orch.notifier.Active() {
			if n.TemplateName == "unified_suggestion" {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("unified suggestion never emitted")
	return model.Notification{}
}

func TestDeployStartOpensSessionAndSuggests(t *testing.T) {
	f := newFixture(t)
	startDeploy(f)

	n := waitUnified(t, f)
	if got := n.Data["project"]; got != "demo" {
		t.Errorf("notification project = %v", got)
	}
	task := n.Data["task"].(model.Task)
	if task.Text != "Write product video script" {
		t.Errorf("suggested %q, want the creative task", task.Text)
	}

	f.bus.waitFor(t, "deploy_detected")
	f.bus.waitFor(t, "unified_suggested")

	sessions := readSessions(t, f.dir)
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	s := sessions[0]
	if s.Status != model.SessionActive || s.TimerDurationS != 1800 || s.TasksSuggested != 1 {
		t.Errorf("session = %+v", s)
	}

	if _, ok := f.orch.timers.GetStatus("demo"); !ok {
		t.Error("timer not started")
	}
}

func TestSwitchRecordsOnce(t *testing.T) {
	f := newFixture(t)
	f.orch.redirector = redirect.New()
	startDeploy(f)
	n := waitUnified(t, f)

	// Redirection will fail (no "open" target in the test environment); the
	// switch bookkeeping must happen regardless.
	if !f.orch.notifier.Respond(n.ID, "switch_to_task", nil) {
		t.Fatal("respond failed")
	}
	f.bus.waitFor(t, "redirection_result")

	// Second response is a success no-op.
	if !f.orch.notifier.Respond(n.ID, "switch_to_task", nil) {
		t.Fatal("second respond should succeed")
	}

	f.orch.OnTimerExpired("demo")

	sessions := readSessions(t, f.dir)
	s := sessions[0]
	if !s.SwitchPressed {
		t.Error("switch_pressed not set")
	}
	if s.TasksAccepted != 1 {
		t.Errorf("tasks_accepted = %d, want 1", s.TasksAccepted)
	}
	if s.Status != model.SessionCompleted {
		t.Errorf("status = %s", s.Status)
	}
	if s.EstimatedTimeSavedS != s.CloudPropagationS {
		t.Errorf("estimated_time_saved_s = %v, want %v", s.EstimatedTimeSavedS, s.CloudPropagationS)
	}
}

type interactionsShard struct {
	Month        string              `json:"month"`
	Interactions []model.Interaction `json:"interactions"`
}

func TestCompletionHeuristicMarksInteraction(t *testing.T) {
	f := newFixture(t)
	f.orch.completionCheckDelay = 50 * time.Millisecond
	startDeploy(f)
	n := waitUnified(t, f)

	if !f.orch.notifier.Respond(n.ID, "switch_to_task", nil) {
		t.Fatal("respond failed")
	}
	// Project activity inside the window: the TODO file changes.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(f.dir, "TODO.md"), []byte(testTodo+"- [ ] New idea\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		month := time.Now().Format("2006-01")
		data, err := os.ReadFile(filepath.Join(f.dir, "analytics", "interactions_"+month+".json"))
		if err == nil {
			var shard interactionsShard
			if err := json.Unmarshal(data, &shard); err == nil {
				for _, in := range shard.Interactions {
					if in.CompletionDetected {
						if in.CompletionMethod == nil || *in.CompletionMethod != model.CompletionTimeHeuristic {
							t.Fatalf("completion method = %v", in.CompletionMethod)
						}
						return
					}
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("completion heuristic never marked the interaction")
}

func TestDeployCompleteKeepsTimerRunning(t *testing.T) {
	f := newFixture(t)
	startDeploy(f)
	waitUnified(t, f)

	exitCode := 0
	f.orch.OnDeployEvent(model.DeployEvent{
		Kind: model.DeployComplete, Timestamp: 1700000005.5,
		Command: "firebase deploy", ExitCode: &exitCode, Project: "demo",
	})
	f.bus.waitFor(t, "deploy_completed")

	tm, ok := f.orch.timers.GetStatus("demo")
	if !ok {
		t.Fatal("timer dropped on deploy complete")
	}
	if tm.Status != model.TimerRunning {
		t.Errorf("timer status = %s, want running", tm.Status)
	}

	sessions := readSessions(t, f.dir)
	if sessions[0].Status != model.SessionActive {
		t.Errorf("session ended early: %+v", sessions[0])
	}
}

func TestTimerExpiryEndsSessionCompleted(t *testing.T) {
	f := newFixture(t)
	startDeploy(f)
	waitUnified(t, f)

	f.orch.OnTimerExpired("demo")
	f.bus.waitFor(t, "session_ended")

	sessions := readSessions(t, f.dir)
	s := sessions[0]
	if s.Status != model.SessionCompleted {
		t.Errorf("status = %s, want completed", s.Status)
	}
	if s.EstimatedTimeSavedS != 0 {
		t.Errorf("no switch happened but time saved = %v", s.EstimatedTimeSavedS)
	}
	if s.ProductivityScore == nil {
		t.Error("missing productivity score")
	}
}

func TestCancelEndsSessionCancelled(t *testing.T) {
	f := newFixture(t)
	startDeploy(f)
	waitUnified(t, f)

	f.orch.Cancel("demo", "user request")
	f.bus.waitFor(t, "deploy_cancelled")

	sessions := readSessions(t, f.dir)
	if sessions[0].Status != model.SessionCancelled {
		t.Errorf("status = %s, want cancelled", sessions[0].Status)
	}
	if len(f.orch.notifier.Active()) != 0 {
		t.Error("notifications survived cancel")
	}
}

func TestNoTasksEmitsDeployDetected(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.dir, "TODO.md"), []byte("- [x] All done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	startDeploy(f)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range f.orch.notifier.Active() {
			if n.TemplateName == "deploy_detected" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deploy_detected never emitted for an empty catalog")
}

func TestSimulateDeployThroughMonitor(t *testing.T) {
	f := newFixture(t)

	if res := f.orch.HandleCommand("start-monitoring", nil); res["success"] != true {
		t.Fatalf("start-monitoring: %v", res)
	}
	if res := f.orch.HandleCommand("simulate-deploy", map[string]interface{}{"project": "demo"}); res["success"] != true {
		t.Fatalf("simulate-deploy: %v", res)
	}

	f.bus.waitFor(t, "deploy_detected")
	f.bus.waitFor(t, "deploy_completed")

	if res := f.orch.HandleCommand("stop-monitoring", nil); res["success"] != true {
		t.Fatalf("stop-monitoring: %v", res)
	}
}

func TestHandleCommandSurface(t *testing.T) {
	f := newFixture(t)

	if res := f.orch.HandleCommand("ping", nil); res["message"] != "pong" {
		t.Errorf("ping = %v", res)
	}

	res := f.orch.HandleCommand("frobnicate", nil)
	if res["success"] != false || res["message"] != "Unknown command: frobnicate" {
		t.Errorf("unknown command = %v", res)
	}

	res = f.orch.HandleCommand("timer-start", map[string]interface{}{"project": "demo", "duration": 600.0})
	if res["success"] != true {
		t.Fatalf("timer-start = %v", res)
	}
	res = f.orch.HandleCommand("timer-status", map[string]interface{}{"project": "demo"})
	if res["success"] != true || res["timer"] == nil {
		t.Errorf("timer-status = %v", res)
	}
	if res := f.orch.HandleCommand("timer-stop", map[string]interface{}{"project": "demo"}); res["success"] != true {
		t.Errorf("timer-stop = %v", res)
	}

	res = f.orch.HandleCommand("get-task-suggestions", map[string]interface{}{"project": "demo"})
	if res["success"] != true || res["count"] != 2 {
		t.Errorf("get-task-suggestions = %v", res)
	}

	res = f.orch.HandleCommand("status", nil)
	if res["success"] != true {
		t.Errorf("status = %v", res)
	}

	res = f.orch.HandleCommand("diagnose", nil)
	if res["success"] != true {
		t.Errorf("diagnose = %v", res)
	}

	res = f.orch.HandleCommand("notification-response", map[string]interface{}{"notification_id": "missing", "action": "dismiss"})
	if res["success"] != false {
		t.Errorf("notification-response on unknown id = %v", res)
	}
}

func TestProjectLifecycleCommands(t *testing.T) {
	f := newFixture(t)

	res := f.orch.HandleCommand("project-create", map[string]interface{}{"name": "fresh"})
	if res["success"] != true {
		t.Fatalf("project-create = %v", res)
	}
	path := res["path"].(string)
	for _, want := range []string{"config.json", "TODO.md"} {
		if _, err := os.Stat(filepath.Join(path, want)); err != nil {
			t.Errorf("missing %s: %v", want, err)
		}
	}

	res = f.orch.HandleCommand("project-list", nil)
	if res["count"].(int) < 2 {
		t.Errorf("project-list = %v", res)
	}

	res = f.orch.HandleCommand("project-load", map[string]interface{}{"name": "fresh"})
	if res["success"] != true {
		t.Errorf("project-load = %v", res)
	}

	if res := f.orch.HandleCommand("project-delete", map[string]interface{}{"name": "fresh"}); res["success"] != true {
		t.Errorf("project-delete = %v", res)
	}
	if _, found := f.reg.Resolve("fresh"); found {
		t.Error("project still registered after delete")
	}
}

func TestWrapperCommands(t *testing.T) {
	f := newFixture(t)

	res := f.orch.HandleCommand("wrapper-status", nil)
	if res["installed"] != false {
		t.Errorf("wrapper-status before install = %v", res)
	}
	if res := f.orch.HandleCommand("wrapper-install", nil); res["success"] != true {
		t.Fatalf("wrapper-install = %v", res)
	}
	res = f.orch.HandleCommand("wrapper-status", nil)
	if res["installed"] != true {
		t.Errorf("wrapper-status after install = %v", res)
	}
	if res := f.orch.HandleCommand("wrapper-uninstall", nil); res["success"] != true {
		t.Errorf("wrapper-uninstall = %v", res)
	}
}
