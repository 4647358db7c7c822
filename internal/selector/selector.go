// Package selector picks the alternate task to offer during a propagation
// window: context filtering over the parsed catalog, a heuristic score, and
// an optional LLM adapter consulted first when enabled. LLM responses are
// memoised by a stable hash of the candidate texts and context.
package selector

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/analytics"
	"github.com/G-Jeffreys/DeployBot/internal/catalog"
	"github.com/G-Jeffreys/DeployBot/internal/model"
)

// Context carries the selection inputs for one deploy window.
type Context struct {
	ProjectName    string
	DeployActive   bool
	TimerDurationS float64
	DeployCommand  string
	UseLLM         bool
}

// Choice is the parsed LLM response shape.
type Choice struct {
	SelectedTask string  `json:"selected_task"`
	Reasoning    string  `json:"reasoning"`
	Confidence   float64 `json:"confidence"`
}

// Adapter is the narrow LLM capability: given a rendered prompt, return a
// Choice. Implementations may be absent (nil adapter), mocked, or networked;
// callers bound every call with a deadline.
type Adapter interface {
	SelectTask(ctx context.Context, prompt string) (Choice, error)
}

const (
	shortTimerThresholdS = 900
	llmDeadline          = 10 * time.Second
	llmCandidateCap      = 10
)

// Selector filters, scores, and records suggestions.
type Selector struct {
	store *analytics.Store
	llm   Adapter

	cacheMu sync.Mutex
	cache   map[string]Choice

	now func() time.Time
}

// New creates a Selector. llm may be nil for heuristic-only operation.
func New(store *analytics.Store, llm Adapter) *Selector {
	return &Selector{store: store, llm: llm, cache: map[string]Choice{}, now: time.Now}
}

// Result is a selected task plus the analytics suggestion id recorded for it.
type Result struct {
	Task         model.Task
	SuggestionID string
	Reasoning    string
}

// Select loads the project's TODO catalog, filters and scores it for sctx,
// and returns the chosen task with a recorded suggestion id. A false second
// return means no task survived filtering.
func (s *Selector) Select(projectPath string, sctx Context) (Result, bool, error) {
	tasks := catalog.Parse(filepath.Join(projectPath, "TODO.md"))
	candidates := s.filter(tasks, sctx)
	if len(candidates) == 0 {
		return Result{}, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].adjusted > candidates[j].adjusted
	})

	summary, err := s.store.GetTaskAnalytics(projectPath, "", 30)
	if err != nil {
		// Missing history only degrades the LLM prompt; selection proceeds.
		summary = analytics.TaskAnalytics{}
	}

	var picked *scored
	var reasoning string
	if sctx.UseLLM && s.llm != nil {
		if t, why, ok := s.selectWithLLM(candidates, sctx, summary); ok {
			picked, reasoning = t, why
		}
	}
	if picked == nil {
		picked = heuristicPick(candidates, sctx)
	}

	id, err := s.store.RecordSuggestion(projectPath, picked.task, sctx.ProjectName, model.SuggestionContext{
		TimeOfDay:         timeOfDayBucket(s.now().Hour()),
		RecentDeploys:     0,
		DeployActive:      sctx.DeployActive,
		Priority:          picked.task.Priority,
		EstimatedDuration: picked.task.EstimatedDurationMin,
	}, sctx.DeployCommand, sctx.TimerDurationS)
	if err != nil {
		return Result{}, false, fmt.Errorf("recording suggestion: %w", err)
	}

	return Result{Task: picked.task, SuggestionID: id, Reasoning: reasoning}, true, nil
}

type scored struct {
	task     model.Task
	adjusted int
}

// filter applies the context rules: pending only, no backend work while a
// deploy is active, nothing long on a short timer, and time-of-day priority
// adjustments.
func (s *Selector) filter(tasks []model.Task, sctx Context) []*scored {
	hour := s.now().Hour()
	var out []*scored
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		if sctx.DeployActive && t.HasTag("#backend") {
			continue
		}
		if sctx.TimerDurationS <= shortTimerThresholdS {
			if t.HasTag("#long") || t.EstimatedDurationMin > 60 {
				continue
			}
		}

		adjusted := t.Priority
		if t.HasTag("#creative") && (hour < 8 || hour >= 18) {
			adjusted--
		}
		if t.HasTag("#research") {
			adjusted++
		}
		if sctx.DeployActive && t.HasTag("#writing") {
			adjusted += 2
		}
		out = append(out, &scored{task: t, adjusted: adjusted})
	}
	return out
}

// heuristicPick rescoring: adjusted priority plus situational bonuses; ties
// keep the earlier candidate.
func heuristicPick(candidates []*scored, sctx Context) *scored {
	best := candidates[0]
	bestScore := heuristicScore(best, sctx)
	for _, c := range candidates[1:] {
		if sc := heuristicScore(c, sctx); sc > bestScore {
			best, bestScore = c, sc
		}
	}
	return best
}

func heuristicScore(c *scored, sctx Context) int {
	score := c.adjusted
	if sctx.DeployActive && c.task.HasTag("#solo") {
		score += 2
	}
	if sctx.TimerDurationS <= 1800 && c.task.HasTag("#short") {
		score++
	}
	if c.task.HasTag("#creative") || c.task.HasTag("#writing") {
		score++
	}
	return score
}

// selectWithLLM renders the prompt, consults the cache, then the adapter
// under a hard deadline, and matches the response back onto a candidate by
// exact equality, then substring containment in either direction. Any
// failure falls through to the heuristic.
func (s *Selector) selectWithLLM(candidates []*scored, sctx Context, summary analytics.TaskAnalytics) (*scored, string, bool) {
	capped := candidates
	if len(capped) > llmCandidateCap {
		capped = capped[:llmCandidateCap]
	}

	key := cacheKey(capped, sctx)
	s.cacheMu.Lock()
	choice, hit := s.cache[key]
	s.cacheMu.Unlock()

	if !hit {
		ctx, cancel := context.WithTimeout(context.Background(), llmDeadline)
		defer cancel()
		var err error
		choice, err = s.llm.SelectTask(ctx, buildPrompt(capped, sctx, summary))
		if err != nil {
			return nil, "", false
		}
		s.cacheMu.Lock()
		s.cache[key] = choice
		s.cacheMu.Unlock()
	}

	want := strings.TrimSpace(choice.SelectedTask)
	if want == "" {
		return nil, "", false
	}
	for _, c := range capped {
		if c.task.Text == want {
			return c, choice.Reasoning, true
		}
	}
	for _, c := range capped {
		if strings.Contains(c.task.Text, want) || strings.Contains(want, c.task.Text) {
			return c, choice.Reasoning, true
		}
	}
	return nil, "", false
}

func buildPrompt(candidates []*scored, sctx Context, summary analytics.TaskAnalytics) string {
	var b strings.Builder
	b.WriteString("You pick one task for a developer to work on while a cloud deployment propagates.\n\n")
	fmt.Fprintf(&b, "Context: project=%s deploy_active=%v timer_seconds=%.0f", sctx.ProjectName, sctx.DeployActive, sctx.TimerDurationS)
	if sctx.DeployCommand != "" {
		fmt.Fprintf(&b, " deploy_command=%q", sctx.DeployCommand)
	}
	b.WriteString("\n\nCandidate tasks:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s (tags: %s, priority: %d, estimated: %d min)\n",
			i+1, c.task.Text, strings.Join(c.task.Tags, " "), c.task.Priority, c.task.EstimatedDurationMin)
	}
	fmt.Fprintf(&b, "\nHistory: acceptance_rate=%.2f recent_ignores_30d=%d completed=%d avg_response_time=%.1fs\n",
		summary.AcceptanceRate, summary.RecentIgnores30d, summary.TaskPatterns.TotalCompleted, summary.AvgResponseTimeS)
	b.WriteString("\nRespond with JSON only: {\"selected_task\": \"<exact task text>\", \"reasoning\": \"...\", \"confidence\": 0.0-1.0}\n")
	return b.String()
}

func cacheKey(candidates []*scored, sctx Context) string {
	h := sha256.New()
	for _, c := range candidates {
		fmt.Fprintf(h, "%s\x00", c.task.Text)
	}
	entries := []string{
		fmt.Sprintf("deploy_active=%v", sctx.DeployActive),
		fmt.Sprintf("deploy_command=%s", sctx.DeployCommand),
		fmt.Sprintf("project=%s", sctx.ProjectName),
		fmt.Sprintf("timer=%.0f", sctx.TimerDurationS),
	}
	sort.Strings(entries)
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00", e)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func timeOfDayBucket(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return model.TimeOfDayMorning
	case hour >= 12 && hour < 17:
		return model.TimeOfDayAfternoon
	case hour >= 17 && hour < 21:
		return model.TimeOfDayEvening
	default:
		return model.TimeOfDayNight
	}
}
