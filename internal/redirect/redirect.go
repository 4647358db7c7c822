// Package redirect opens the application associated with a selected task,
// preferring the richest integration the app supports: a deep link carrying
// task context, then a command-line invocation, then a plain app launch.
// Failure in one strategy cascades to the next.
package redirect

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/model"
)

// Context carries the project surroundings of a redirection.
type Context struct {
	ProjectName   string
	ProjectPath   string
	DeployCommand string
}

// Result reports what the redirector did.
type Result struct {
	Success bool   `json:"success"`
	Method  string `json:"method"`
	App     string `json:"app"`
	Action  string `json:"action,omitempty"`
	URL     string `json:"url,omitempty"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	MethodDeepLinking = "deep_linking"
	MethodCommandLine = "command_line"
	MethodSimpleOpen  = "simple_open"
	MethodError       = "error"
)

const (
	execTimeout = 10 * time.Second
	maxURLLen   = 2000
)

type appConfig struct {
	bundleID    string
	deepLinking bool
	urlScheme   string
	commandLine string
	webFallback string
}

var appConfigs = map[string]appConfig{
	"Bear":     {bundleID: "net.shinyfrog.bear", deepLinking: true, urlScheme: "bear://"},
	"Notion":   {bundleID: "notion.id", deepLinking: true, urlScheme: "notion://"},
	"VSCode":   {bundleID: "com.microsoft.VSCode", deepLinking: true, commandLine: "code"},
	"Figma":    {bundleID: "com.figma.Desktop", urlScheme: "figma://", webFallback: "https://figma.com"},
	"Safari":   {bundleID: "com.apple.Safari", deepLinking: true},
	"Terminal": {bundleID: "com.apple.Terminal"},
	"Mail":     {bundleID: "com.apple.mail", deepLinking: true, urlScheme: "mailto:"},
	"Things":   {bundleID: "com.culturedcode.ThingsMac", deepLinking: true, urlScheme: "things://"},
	"Zoom":     {bundleID: "us.zoom.xos", deepLinking: true, urlScheme: "zoommtg://"},
}

// Runner executes one external command under the caller's deadline.
type Runner func(ctx context.Context, name string, args ...string) error

func defaultRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Redirector picks and executes a redirection strategy per target app.
type Redirector struct {
	run Runner
	now func() time.Time
}

func New() *Redirector {
	return &Redirector{run: defaultRunner, now: time.Now}
}

// Redirect tries deep linking, then the app's CLI, then a simple open. The
// final failure carries the last error.
func (r *Redirector) Redirect(task model.Task, rctx Context) Result {
	cfg := appConfigs[task.App]

	if cfg.deepLinking {
		if res := r.tryDeepLink(task, rctx, cfg); res.Success {
			return res
		}
	}
	if cfg.commandLine != "" {
		if res := r.tryCommandLine(task, rctx, cfg); res.Success {
			return res
		}
	}
	return r.simpleOpen(task.App)
}

func (r *Redirector) tryDeepLink(task model.Task, rctx Context, cfg appConfig) Result {
	var actionURL, action string

	switch task.App {
	case "Bear":
		title := url.QueryEscape(task.Text)
		body := url.QueryEscape(r.bearNoteContent(task, rctx))
		actionURL = fmt.Sprintf("bear://x-callback-url/create?title=%s&text=%s", title, body)
		if len(actionURL) > maxURLLen {
			body = url.QueryEscape(r.bearNoteContentShort(task, rctx))
			actionURL = fmt.Sprintf("bear://x-callback-url/create?title=%s&text=%s", title, body)
		}
		action = "create_note"
	case "VSCode":
		if rctx.ProjectPath == "" {
			return Result{Method: MethodDeepLinking, App: task.App}
		}
		return r.execCommand(task.App, MethodDeepLinking, "open_project", cfg.commandLine, rctx.ProjectPath)
	case "Safari":
		if !task.HasTag("#research") {
			return Result{Method: MethodDeepLinking, App: task.App}
		}
		actionURL = "https://www.google.com/search?q=" + url.QueryEscape(searchQuery(task.Text))
		action = "search"
	case "Things":
		bare := make([]string, 0, len(task.Tags))
		for _, tag := range task.Tags {
			bare = append(bare, strings.TrimPrefix(tag, "#"))
		}
		actionURL = fmt.Sprintf("things:///add?title=%s&notes=%s&tags=%s",
			url.QueryEscape(task.Text),
			url.QueryEscape("Created by DeployBot during deploy"),
			url.QueryEscape(strings.Join(bare, ",")))
		action = "add_todo"
	case "Notion":
		actionURL = "notion://notion.so/"
		action = "open_workspace"
	default:
		return Result{Method: MethodDeepLinking, App: task.App}
	}

	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	if err := r.run(ctx, "open", actionURL); err != nil {
		return Result{Method: MethodDeepLinking, App: task.App, Error: err.Error()}
	}
	return Result{Success: true, Method: MethodDeepLinking, App: task.App, Action: action, URL: truncate(actionURL, 100)}
}

func (r *Redirector) tryCommandLine(task model.Task, rctx Context, cfg appConfig) Result {
	if rctx.ProjectPath == "" {
		return Result{Method: MethodCommandLine, App: task.App}
	}
	args := []string{rctx.ProjectPath}
	if task.HasTag("#code") {
		if file := guessRelevantFile(task.Text, rctx.ProjectPath); file != "" {
			args = append(args, file)
		}
	}
	return r.execCommand(task.App, MethodCommandLine, "", cfg.commandLine, args...)
}

func (r *Redirector) execCommand(app, method, action, name string, args ...string) Result {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	if err := r.run(ctx, name, args...); err != nil {
		return Result{Method: method, App: app, Error: err.Error()}
	}
	return Result{Success: true, Method: method, App: app, Action: action, Command: name + " " + strings.Join(args, " ")}
}

func (r *Redirector) simpleOpen(app string) Result {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	if err := r.run(ctx, "open", "-a", app); err != nil {
		return Result{Method: MethodSimpleOpen, App: app, Error: err.Error()}
	}
	return Result{Success: true, Method: MethodSimpleOpen, App: app, Command: "open -a " + app}
}

func (r *Redirector) bearNoteContent(task model.Task, rctx Context) string {
	lines := []string{
		"# " + task.Text,
		"",
		"**Created:** " + r.now().Format("2006-01-02 15:04"),
		"**Source:** DeployBot (during deployment)",
		"",
	}
	if rctx.ProjectName != "" {
		lines = append(lines, "**Project:** "+rctx.ProjectName)
	}
	if rctx.DeployCommand != "" {
		lines = append(lines, "**Deploy Command:** `"+rctx.DeployCommand+"`")
	}
	if len(task.Tags) > 0 {
		lines = append(lines, "**Tags:** "+strings.Join(task.Tags, " "))
	}
	lines = append(lines,
		"",
		"## Notes",
		"",
		"Start working on this task...",
		"",
		"## Progress",
		"",
		"- [ ] Task started",
		"- [ ] In progress",
		"- [ ] Completed",
	)
	return strings.Join(lines, "\n")
}

func (r *Redirector) bearNoteContentShort(task model.Task, rctx Context) string {
	lines := []string{
		"# " + task.Text,
		"",
		"Created by DeployBot on " + r.now().Format("2006-01-02 15:04"),
	}
	if rctx.ProjectName != "" {
		lines = append(lines, "Project: "+rctx.ProjectName)
	}
	return strings.Join(lines, "\n")
}

var searchStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "for": true, "of": true,
	"and": true, "or": true, "in": true, "on": true, "with": true,
	"research": true, "check": true, "review": true, "look": true, "into": true,
}

// searchQuery strips filler words so the browser search lands on the subject
// of the task rather than its verbs.
func searchQuery(text string) string {
	var kept []string
	for _, w := range strings.Fields(text) {
		if searchStopWords[strings.ToLower(w)] {
			continue
		}
		kept = append(kept, w)
		if len(kept) == 6 {
			break
		}
	}
	if len(kept) == 0 {
		return text
	}
	return strings.Join(kept, " ")
}

// guessRelevantFile looks for one source file under projectPath whose name
// matches a word from the task text.
func guessRelevantFile(taskText, projectPath string) string {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(taskText)) {
		if len(w) > 3 {
			words[w] = true
		}
	}
	if len(words) == 0 {
		return ""
	}

	var found string
	visited := 0
	filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "node_modules", "vendor", "analytics", "logs":
				return filepath.SkipDir
			}
			return nil
		}
		visited++
		if visited > 500 {
			return filepath.SkipAll
		}
		switch filepath.Ext(path) {
		case ".go", ".js", ".ts", ".py", ".md", ".json", ".html", ".css":
		default:
			return nil
		}
		base := strings.ToLower(strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())))
		for w := range words {
			if strings.Contains(base, w) {
				found = path
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
