package redirect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/model"
)

type call struct {
	name string
	args []string
}

func recorded(fail map[int]bool) (*Redirector, *[]call) {
	var calls []call
	r := New()
	r.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	r.run = func(_ context.Context, name string, args ...string) error {
		calls = append(calls, call{name, args})
		if fail[len(calls)-1] {
			return errors.New("launch failed")
		}
		return nil
	}
	return r, &calls
}

func TestBearDeepLink(t *testing.T) {
	r, calls := recorded(nil)
	task := model.Task{App: "Bear", Text: "Write release notes", Tags: []string{"#writing"}}

	res := r.Redirect(task, Context{ProjectName: "demo", DeployCommand: "firebase deploy"})
	if !res.Success || res.Method != MethodDeepLinking || res.Action != "create_note" {
		t.Fatalf("got %+v", res)
	}
	if len(*calls) != 1 || (*calls)[0].name != "open" {
		t.Fatalf("calls = %+v", *calls)
	}
	u := (*calls)[0].args[0]
	if !strings.HasPrefix(u, "bear://x-callback-url/create?title=") {
		t.Errorf("url = %q", u)
	}
	if len(u) > maxURLLen {
		t.Errorf("url length %d exceeds cap", len(u))
	}
}

func TestBearLongTaskFallsBackToShortBody(t *testing.T) {
	r, calls := recorded(nil)
	task := model.Task{App: "Bear", Text: strings.Repeat("very long task text ", 60)}

	res := r.Redirect(task, Context{ProjectName: "demo"})
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	u := (*calls)[0].args[0]
	if !strings.Contains(u, "Created+by+DeployBot") && !strings.Contains(u, "Created%20by%20DeployBot") {
		t.Errorf("expected simplified body in %q...", u[:120])
	}
}

func TestSafariResearchSearch(t *testing.T) {
	r, calls := recorded(nil)
	task := model.Task{App: "Safari", Text: "Research the best CDN pricing", Tags: []string{"#research"}}

	res := r.Redirect(task, Context{})
	if !res.Success || res.Action != "search" {
		t.Fatalf("got %+v", res)
	}
	u := (*calls)[0].args[0]
	if !strings.HasPrefix(u, "https://www.google.com/search?q=") {
		t.Errorf("url = %q", u)
	}
	if strings.Contains(u, "Research") {
		t.Errorf("stop word kept in query: %q", u)
	}
}

func TestVSCodeCommandLine(t *testing.T) {
	dir := t.TempDir()
	r, calls := recorded(nil)
	task := model.Task{App: "VSCode", Text: "Implement parser", Tags: []string{"#code"}}

	res := r.Redirect(task, Context{ProjectPath: dir})
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	if (*calls)[0].name != "code" || (*calls)[0].args[0] != dir {
		t.Errorf("calls = %+v", *calls)
	}
}

func TestVSCodeCodeTaskAppendsGuessedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "parser.go"), []byte("package x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, _ := recorded(map[int]bool{0: true}) // deep link attempt fails, CLI path runs
	task := model.Task{App: "VSCode", Text: "Fix the parser bug", Tags: []string{"#code"}}

	res := r.Redirect(task, Context{ProjectPath: dir})
	if !res.Success || res.Method != MethodCommandLine {
		t.Fatalf("got %+v", res)
	}
	if !strings.Contains(res.Command, "parser.go") {
		t.Errorf("command %q missing guessed file", res.Command)
	}
}

func TestCascadeToSimpleOpen(t *testing.T) {
	r, calls := recorded(map[int]bool{0: true})
	task := model.Task{App: "Notion", Text: "Plan roadmap"}

	res := r.Redirect(task, Context{})
	if !res.Success || res.Method != MethodSimpleOpen {
		t.Fatalf("got %+v", res)
	}
	last := (*calls)[len(*calls)-1]
	if last.name != "open" || last.args[0] != "-a" || last.args[1] != "Notion" {
		t.Errorf("last call = %+v", last)
	}
}

func TestAllStrategiesFail(t *testing.T) {
	r, _ := recorded(map[int]bool{0: true, 1: true, 2: true})
	task := model.Task{App: "Bear", Text: "Anything"}

	res := r.Redirect(task, Context{})
	if res.Success {
		t.Fatalf("got %+v", res)
	}
	if res.Error == "" {
		t.Error("final failure should carry the last error")
	}
}

func TestUnknownAppUsesSimpleOpen(t *testing.T) {
	r, calls := recorded(nil)
	task := model.Task{App: "FaceTime", Text: "Call the designer"}

	res := r.Redirect(task, Context{})
	if !res.Success || res.Method != MethodSimpleOpen {
		t.Fatalf("got %+v", res)
	}
	if len(*calls) != 1 {
		t.Errorf("calls = %+v", *calls)
	}
}
