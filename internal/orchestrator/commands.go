package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/model"
	"github.com/G-Jeffreys/DeployBot/internal/project"
	"github.com/G-Jeffreys/DeployBot/internal/redirect"
)

// globalProject names the shared fallback deploy log, written by deploy
// wrappers running outside any registered project directory.
const globalProject = "_global"

func ok(message string) map[string]interface{} {
	return map[string]interface{}{"success": true, "message": message}
}

func fail(format string, args ...interface{}) map[string]interface{} {
	return map[string]interface{}{"success": false, "message": fmt.Sprintf(format, args...)}
}

// ConnectedState is the system.connected greeting payload.
func (o *Orchestrator) ConnectedState() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	monitored := make([]string, 0, len(o.monitoredDetails))
	for proj := range o.monitoredDetails {
		if proj != globalProject {
			monitored = append(monitored, proj)
		}
	}
	return map[string]interface{}{
		"monitoring_active":  o.monitoring,
		"current_project":    o.currentProject,
		"monitored_projects": monitored,
	}
}

// HandleCommand routes one client command. Recoverable failures come back as
// {success: false, message}; they never affect other subscribers.
func (o *Orchestrator) HandleCommand(command string, data map[string]interface{}) map[string]interface{} {
	switch command {
	case "ping":
		return ok("pong")

	case "status":
		return o.statusCommand()

	case "start-monitoring":
		return o.startMonitoring()

	case "stop-monitoring":
		return o.stopMonitoring()

	case "check-monitor":
		o.mu.Lock()
		defer o.mu.Unlock()
		tracked := map[string]string{}
		for proj, logPath := range o.monitoredDetails {
			tracked[proj] = logPath
		}
		return map[string]interface{}{"success": true, "monitoring_active": o.monitoring, "tracked": tracked}

	case "direct-add-to-monitoring":
		name := dataString(data, "project_name")
		if name == "" {
			name = dataString(data, "project")
		}
		if name == "" {
			return fail("missing project_name")
		}
		path, ok := o.projectPath(name, dataString(data, "path"))
		if !ok {
			return fail("unknown project: %s", name)
		}
		return o.addToMonitoring(name, path)

	case "project-create":
		return o.projectCreate(data)

	case "project-list":
		projects := o.registry.ListAll()
		for i := range projects {
			projects[i].Path = o.displayPath(projects[i].Path)
		}
		return map[string]interface{}{"success": true, "projects": projects, "count": len(projects)}

	case "project-delete":
		name := dataString(data, "name")
		if name == "" {
			return fail("missing name")
		}
		o.monitor.RemoveProject(name)
		o.mu.Lock()
		delete(o.monitoredDetails, name)
		o.mu.Unlock()
		if err := o.registry.Remove(name); err != nil {
			return fail("removing %s: %v", name, err)
		}
		return ok("project removed: " + name)

	case "project-load":
		return o.projectLoad(data)

	case "wrapper-status":
		_, err := os.Stat(o.wrapperPath())
		return map[string]interface{}{"success": true, "installed": err == nil, "path": o.wrapperPath()}

	case "wrapper-install":
		if err := o.installWrapper(); err != nil {
			return fail("installing wrapper: %v", err)
		}
		return ok("wrapper installed: " + o.wrapperPath())

	case "wrapper-uninstall":
		if err := os.Remove(o.wrapperPath()); err != nil && !os.IsNotExist(err) {
			return fail("removing wrapper: %v", err)
		}
		return ok("wrapper removed")

	case "timer-start":
		proj := dataString(data, "project")
		if proj == "" {
			return fail("missing project")
		}
		duration := dataFloat(data, "duration")
		if _, given := data["duration"]; !given {
			duration = float64(o.cfg.Timer.DefaultDurationS)
		}
		t := o.timers.Start(proj, duration, dataString(data, "command"))
		return map[string]interface{}{"success": true, "timer": t}

	case "timer-stop":
		proj := dataString(data, "project")
		if proj == "" {
			return fail("missing project")
		}
		if !o.timers.Stop(proj, "client request") {
			return fail("no timer for project: %s", proj)
		}
		return ok("timer stopped")

	case "timer-status":
		if proj := dataString(data, "project"); proj != "" {
			t, found := o.timers.GetStatus(proj)
			if !found {
				return map[string]interface{}{"success": true, "timer": nil}
			}
			return map[string]interface{}{"success": true, "timer": t}
		}
		return map[string]interface{}{"success": true, "timers": o.timers.GetAll()}

	case "simulate-deploy":
		proj := dataString(data, "project")
		if proj == "" {
			return fail("missing project")
		}
		path, found := o.projectPath(proj, "")
		if !found {
			return fail("unknown project: %s", proj)
		}
		logPath := filepath.Join(path, "logs", "deploy_log.txt")
		if res := o.addToMonitoring(proj, path); res["success"] == false {
			return res
		}
		if err := o.monitor.SimulateDeploy(proj, logPath, dataString(data, "command")); err != nil {
			return fail("simulating deploy: %v", err)
		}
		return ok("deploy simulated for " + proj)

	case "get-task-suggestions":
		proj := dataString(data, "project")
		path, found := o.projectPath(proj, "")
		if !found {
			return fail("unknown project: %s", proj)
		}
		tasks := pendingTasks(path)
		if limit := int(dataFloat(data, "limit")); limit > 0 && len(tasks) > limit {
			tasks = tasks[:limit]
		}
		return map[string]interface{}{"success": true, "tasks": tasks, "count": len(tasks)}

	case "redirect-to-task":
		return o.redirectToTask(data)

	case "notification-response", "notification-action":
		id := dataString(data, "notification_id")
		action := dataString(data, "action")
		if id == "" || action == "" {
			return fail("missing notification_id or action")
		}
		extra, _ := data["data"].(map[string]interface{})
		if !o.notifier.Respond(id, action, extra) {
			return fail("notification not active: %s", id)
		}
		return ok("response processed")

	case "get-logs":
		proj := dataString(data, "project")
		path, found := o.projectPath(proj, "")
		if !found {
			return fail("unknown project: %s", proj)
		}
		n := int(dataFloat(data, "lines"))
		if n <= 0 {
			n = 50
		}
		lines := tailFile(filepath.Join(path, "logs", "activity.log"), n)
		return map[string]interface{}{"success": true, "lines": lines, "count": len(lines)}

	case "diagnose":
		return map[string]interface{}{"success": true, "notifications": o.notifier.Diagnostics()}

	default:
		return fail("Unknown command: %s", command)
	}
}

func (o *Orchestrator) statusCommand() map[string]interface{} {
	o.mu.Lock()
	sessions := make(map[string]interface{}, len(o.sessions))
	for proj, s := range o.sessions {
		sessions[proj] = map[string]interface{}{
			"session_id": o.displaySessionID(s.sessionID),
			"phase":      string(s.phase),
			"command":    s.deployCommand,
		}
	}
	monitoring := o.monitoring
	current := o.currentProject
	o.mu.Unlock()

	return map[string]interface{}{
		"success":           true,
		"monitoring_active": monitoring,
		"current_project":   current,
		"active_sessions":   sessions,
		"timers":            o.timers.GetAll(),
		"notifications":     o.notifier.Active(),
	}
}

func (o *Orchestrator) startMonitoring() map[string]interface{} {
	o.mu.Lock()
	if o.monitoring {
		o.mu.Unlock()
		return ok("monitoring already active")
	}
	o.monitoring = true
	o.monitorStop = make(chan struct{})
	stopCh := o.monitorStop
	o.mu.Unlock()

	added := 0
	for _, p := range o.registry.ListAll() {
		if res := o.addToMonitoring(p.Name, p.Path); res["success"] == true {
			added++
		}
	}
	globalLog := filepath.Join(o.cfg.Monitor.ConfigDir, "deploy_log.txt")
	if err := o.monitor.AddProject(globalProject, globalLog); err == nil {
		o.mu.Lock()
		o.monitoredDetails[globalProject] = globalLog
		o.mu.Unlock()
	}

	go o.monitor.Run(stopCh)
	o.publish("system", "monitoring_started", map[string]interface{}{"projects": added})
	return map[string]interface{}{"success": true, "message": "monitoring started", "projects": added}
}

func (o *Orchestrator) stopMonitoring() map[string]interface{} {
	o.mu.Lock()
	if !o.monitoring {
		o.mu.Unlock()
		return ok("monitoring not active")
	}
	o.monitoring = false
	close(o.monitorStop)
	o.monitorStop = nil
	o.mu.Unlock()

	o.publish("system", "monitoring_stopped", nil)
	return ok("monitoring stopped")
}

func (o *Orchestrator) addToMonitoring(proj, path string) map[string]interface{} {
	logPath := filepath.Join(path, "logs", "deploy_log.txt")
	if err := o.monitor.AddProject(proj, logPath); err != nil {
		return fail("adding %s to monitoring: %v", proj, err)
	}
	o.mu.Lock()
	o.monitoredDetails[proj] = logPath
	o.mu.Unlock()
	return ok("monitoring " + proj)
}

func (o *Orchestrator) projectCreate(data map[string]interface{}) map[string]interface{} {
	name := dataString(data, "name")
	if name == "" {
		return fail("missing name")
	}
	path := dataString(data, "path")
	if path == "" {
		path = filepath.Join(o.cfg.Monitor.ConfigDir, "projects", name)
	}

	if err := os.MkdirAll(filepath.Join(path, "logs"), 0o755); err != nil {
		return fail("creating project directory: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	pcfg := model.ProjectConfig{
		ProjectName:  name,
		Version:      "1.0",
		CreatedAt:    now,
		LastModified: now,
		Settings: model.ProjectSettings{
			DefaultTimer: o.cfg.Timer.DefaultDurationS,
			GracePeriod:  o.cfg.Notification.GracePeriodS,
		},
	}
	raw, err := json.MarshalIndent(pcfg, "", "  ")
	if err != nil {
		return fail("encoding config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "config.json"), raw, 0o644); err != nil {
		return fail("writing config.json: %v", err)
	}

	todoPath := filepath.Join(path, "TODO.md")
	if _, err := os.Stat(todoPath); os.IsNotExist(err) {
		todo := fmt.Sprintf("# %s Tasks\n\n## Pending Tasks\n\n- [ ] Add your first task\n", name)
		if err := os.WriteFile(todoPath, []byte(todo), 0o644); err != nil {
			return fail("writing TODO.md: %v", err)
		}
	}

	if err := o.registry.Add(name, path); err != nil {
		return fail("registering project: %v", err)
	}
	return map[string]interface{}{"success": true, "message": "project created", "name": name, "path": path}
}

func (o *Orchestrator) projectLoad(data map[string]interface{}) map[string]interface{} {
	name := dataString(data, "name")
	path, found := o.projectPath(name, "")
	if !found {
		return fail("unknown project: %s", name)
	}
	v := project.Validate(path)
	pcfg := readProjectConfig(path)
	o.mu.Lock()
	o.currentProject = name
	o.mu.Unlock()
	return map[string]interface{}{
		"success":    true,
		"name":       name,
		"path":       o.displayPath(path),
		"config":     pcfg,
		"validation": v,
		"tasks":      pendingTasks(path),
	}
}

// displayPath applies the privacy setting to paths leaving the core.
func (o *Orchestrator) displayPath(path string) string {
	if o.cfg.Privacy.MaskProjectPaths {
		return filepath.Base(path)
	}
	return path
}

// displaySessionID applies the privacy setting to session ids leaving the
// core.
func (o *Orchestrator) displaySessionID(id string) string {
	if !o.cfg.Privacy.MaskSessionIDs {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", sum[:4])
}

func (o *Orchestrator) redirectToTask(data map[string]interface{}) map[string]interface{} {
	proj := dataString(data, "project")
	path, found := o.projectPath(proj, "")
	if !found {
		return fail("unknown project: %s", proj)
	}
	task := taskFromData(data)
	if task.Text == "" {
		return fail("missing task")
	}
	o.mu.Lock()
	command := ""
	if s := o.sessions[proj]; s != nil {
		command = s.deployCommand
	}
	o.mu.Unlock()

	result := o.redirector.Redirect(task, redirect.Context{
		ProjectName: proj, ProjectPath: path, DeployCommand: command,
	})
	o.publish("task", "redirection_result", map[string]interface{}{
		"project": proj, "task": task, "redirect_result": result,
	})
	return map[string]interface{}{"success": result.Success, "result": result}
}

func (o *Orchestrator) wrapperPath() string {
	return filepath.Join(o.cfg.Monitor.ConfigDir, "deploybot_wrapper.sh")
}

// installWrapper writes the shell helper that deploy aliases source: it runs
// the real command and writes the start/complete lines the monitor consumes.
func (o *Orchestrator) installWrapper() error {
	if err := os.MkdirAll(o.cfg.Monitor.ConfigDir, 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(o.cfg.Monitor.ConfigDir, "deploy_log.txt")
	script := fmt.Sprintf(`#!/bin/sh
# DeployBot deploy wrapper: run a deploy command and record it for the monitor.
DEPLOYBOT_LOG=%q
deploybot_run() {
    ts=$(date +%%s.%%N)
    printf '%%s DEPLOY: %%s [CWD: %%s]\n' "$ts" "$*" "$PWD" >> "$DEPLOYBOT_LOG"
    "$@"
    code=$?
    ts=$(date +%%s.%%N)
    printf '%%s DEPLOY_COMPLETE: %%s [EXIT_CODE: %%d]\n' "$ts" "$*" "$code" >> "$DEPLOYBOT_LOG"
    return $code
}
deploybot_run "$@"
`, logPath)
	return os.WriteFile(o.wrapperPath(), []byte(script), 0o755)
}

func dataFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func contextFromStop(stopCh <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
