// Package analytics persists suggestion, interaction, session, and
// deploy-pattern records as append-only JSON shards under
// <project>/analytics/, one file per collection per month. Writes are
// read-modify-write with an atomic replace so readers never observe a
// partial shard.
package analytics

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/atomicfile"
	"github.com/G-Jeffreys/DeployBot/internal/model"
)

type suggestionsShard struct {
	Month       string             `json:"month"`
	Suggestions []model.Suggestion `json:"suggestions"`
}

type interactionsShard struct {
	Month        string              `json:"month"`
	Interactions []model.Interaction `json:"interactions"`
}

type sessionsShard struct {
	Month    string                `json:"month"`
	Sessions []model.DeploySession `json:"deploy_sessions"`
}

type patternsShard struct {
	Month    string               `json:"month"`
	Patterns []model.DeployPattern `json:"deploy_patterns"`
}

// TaskAnalytics is the return shape of GetTaskAnalytics.
type TaskAnalytics struct {
	SuggestionsCount int     `json:"suggestions_count"`
	Accepted         int     `json:"accepted"`
	Ignored          int     `json:"ignored"`
	Snoozed          int     `json:"snoozed"`
	RecentIgnores30d int     `json:"recent_ignores_30d"`
	AcceptanceRate   float64 `json:"acceptance_rate"`
	CompletionRate   float64 `json:"completion_rate"`
	AvgResponseTimeS float64 `json:"avg_response_time"`
	TaskPatterns     struct {
		TotalCompleted        int     `json:"total_completed"`
		AvgCompletionTimeS    float64 `json:"avg_completion_time"`
		AvgProductivityScore  float64 `json:"avg_productivity_score"`
	} `json:"task_patterns"`
}

// DeployAnalytics is the return shape of GetDeployAnalytics.
type DeployAnalytics struct {
	TotalSessions      int            `json:"total_sessions"`
	TotalTimeSavedS    float64        `json:"total_time_saved_s"`
	TopCommands        map[string]int `json:"top_commands"`
	TimeOfDayHistogram map[string]int `json:"time_of_day_histogram"`
	AvgProductivityScore float64      `json:"avg_productivity_score"`
}

// Store owns per-project analytics shards on disk. Its methods are called
// from several goroutines; the mutex serializes every shard read and write.
type Store struct {
	mu sync.Mutex
}

func New() *Store { return &Store{} }

func monthKey(t time.Time) string { return t.Format("2006-01") }

func shardPath(projectPath, collection string, month string) string {
	return filepath.Join(projectPath, "analytics", fmt.Sprintf("%s_%s.json", collection, month))
}

// RecordSuggestion persists a Suggestion and returns its id.
func (s *Store) RecordSuggestion(projectPath string, task model.Task, project string, ctx model.SuggestionContext, deployCommand string, timerDurationS float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	id := suggestionID(task.Text, now)
	sugg := model.Suggestion{
		ID: id, TaskID: task.ID, TaskText: task.Text, TaskTags: task.Tags,
		SuggestedApp: task.App, SuggestionTS: model.NowSeconds(),
		DeployCommand: deployCommand, TimerDurationS: timerDurationS,
		Context: ctx, Project: project,
	}

	path := shardPath(projectPath, "suggestions", monthKey(now))
	var shard suggestionsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	shard.Month = monthKey(now)
	shard.Suggestions = append(shard.Suggestions, sugg)
	if err := atomicfile.WriteJSON(path, &shard); err != nil {
		return "", err
	}
	return id, nil
}

func suggestionID(taskText string, ts time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", taskText, ts.UnixNano())))
	return fmt.Sprintf("%x", h[:8])
}

// RecordInteraction persists an Interaction for a prior suggestion.
func (s *Store) RecordInteraction(projectPath, suggestionID string, itype model.InteractionType, responseTimeS float64, extra *model.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	interaction := model.Interaction{
		SuggestionID: suggestionID, Type: itype, TS: model.NowSeconds(), ResponseTimeS: responseTimeS,
	}
	if extra != nil {
		interaction.CompletionDetected = extra.CompletionDetected
		interaction.CompletionMethod = extra.CompletionMethod
		interaction.TimeInAppS = extra.TimeInAppS
		interaction.ProductivityScore = extra.ProductivityScore
	}

	path := shardPath(projectPath, "interactions", monthKey(now))
	var shard interactionsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil && !os.IsNotExist(err) {
		return err
	}
	shard.Month = monthKey(now)
	shard.Interactions = append(shard.Interactions, interaction)
	return atomicfile.WriteJSON(path, &shard)
}

// StartSession persists a new active DeploySession and returns its id.
func (s *Store) StartSession(projectPath, project, command string, timerDurationS float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	id := fmt.Sprintf("%s-%d", project, now.UnixNano())
	session := model.DeploySession{
		SessionID: id, Project: project, DeployCommand: command,
		SessionStart: now.UTC().Format(time.RFC3339), TimerDurationS: timerDurationS,
		CloudPropagationS: timerDurationS, Status: model.SessionActive,
	}

	path := shardPath(projectPath, "sessions", monthKey(now))
	var shard sessionsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	shard.Month = monthKey(now)
	shard.Sessions = append(shard.Sessions, session)
	if err := atomicfile.WriteJSON(path, &shard); err != nil {
		return "", err
	}
	return id, nil
}

// EndSession transitions the named session to a terminal status, computing
// estimated_time_saved_s and productivity_score.
func (s *Store) EndSession(projectPath, sessionID string, status model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	month := monthKey(time.Now())
	path := shardPath(projectPath, "sessions", month)
	var shard sessionsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil {
		return err
	}

	for i := range shard.Sessions {
		sess := &shard.Sessions[i]
		if sess.SessionID != sessionID {
			continue
		}
		sess.SessionEnd = time.Now().UTC().Format(time.RFC3339)
		sess.Status = status
		if sess.SwitchPressed {
			sess.EstimatedTimeSavedS = sess.CloudPropagationS
		} else {
			sess.EstimatedTimeSavedS = 0
		}
		score := sessionProductivityScore(sess)
		sess.ProductivityScore = &score
		return atomicfile.WriteJSON(path, &shard)
	}
	return fmt.Errorf("session %s not found in %s", sessionID, month)
}

// sessionProductivityScore: 0.3 base, +0.3 scaled by acceptance ratio,
// +0.4 for a switch, +0.1 when the session ran at least half the timer,
// clamped to 1.
func sessionProductivityScore(sess *model.DeploySession) float64 {
	score := 0.3
	if sess.TasksSuggested > 0 {
		score += 0.3 * (float64(sess.TasksAccepted) / float64(sess.TasksSuggested))
	}
	if sess.SwitchPressed {
		score += 0.4
	}
	if sess.SessionStart != "" && sess.SessionEnd != "" {
		start, err1 := time.Parse(time.RFC3339, sess.SessionStart)
		end, err2 := time.Parse(time.RFC3339, sess.SessionEnd)
		if err1 == nil && err2 == nil {
			duration := end.Sub(start).Seconds()
			if duration >= 0.5*sess.TimerDurationS {
				score += 0.1
			}
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// RecordSwitch is idempotent: only the first call within a session mutates
// switch_pressed; repeats succeed without writing.
func (s *Store) RecordSwitch(projectPath, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	month := monthKey(time.Now())
	path := shardPath(projectPath, "sessions", month)
	var shard sessionsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil {
		return err
	}
	for i := range shard.Sessions {
		if shard.Sessions[i].SessionID != sessionID {
			continue
		}
		if shard.Sessions[i].SwitchPressed {
			return nil
		}
		shard.Sessions[i].SwitchPressed = true
		now := time.Now().UTC().Format(time.RFC3339)
		shard.Sessions[i].SwitchTS = now
		return atomicfile.WriteJSON(path, &shard)
	}
	return fmt.Errorf("session %s not found", sessionID)
}

// UpdateSessionTaskCounts adds the given deltas to a session's counters.
func (s *Store) UpdateSessionTaskCounts(projectPath, sessionID string, suggestedDelta, acceptedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	month := monthKey(time.Now())
	path := shardPath(projectPath, "sessions", month)
	var shard sessionsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil {
		return err
	}
	for i := range shard.Sessions {
		if shard.Sessions[i].SessionID != sessionID {
			continue
		}
		shard.Sessions[i].TasksSuggested += suggestedDelta
		shard.Sessions[i].TasksAccepted += acceptedDelta
		return atomicfile.WriteJSON(path, &shard)
	}
	return fmt.Errorf("session %s not found", sessionID)
}

// MarkCompletion sets the completion fields on the interaction previously
// recorded for suggestionID. The signal is heuristic, never authoritative;
// it only enriches later aggregation. Unknown suggestion ids are ignored.
func (s *Store) MarkCompletion(projectPath, suggestionID string, method model.CompletionMethod, timeInAppS float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := shardPath(projectPath, "interactions", monthKey(time.Now()))
	var shard interactionsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for i := range shard.Interactions {
		in := &shard.Interactions[i]
		if in.SuggestionID != suggestionID || in.CompletionDetected {
			continue
		}
		in.CompletionDetected = true
		in.CompletionMethod = &method
		in.TimeInAppS = &timeInAppS
		return atomicfile.WriteJSON(path, &shard)
	}
	return nil
}

// RecordDeployPattern persists a DeployPattern and returns the freshly
// computed deploy_frequency_score.
func (s *Store) RecordDeployPattern(projectPath, project, command string, ts time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	score, err := s.deployFrequencyScoreLocked(projectPath, project, ts)
	if err != nil {
		return 0, err
	}

	pattern := model.DeployPattern{
		Project: project, DeployCommand: command, DeployTS: float64(ts.Unix()),
		TimeOfDay: timeOfDay(ts.Hour()), DayOfWeek: int(ts.Weekday()),
		DeployFrequencyScore: score,
	}

	path := shardPath(projectPath, "deploy_patterns", monthKey(ts))
	var shard patternsShard
	if err := atomicfile.ReadJSON(path, &shard); err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	shard.Month = monthKey(ts)
	shard.Patterns = append(shard.Patterns, pattern)
	if err := atomicfile.WriteJSON(path, &shard); err != nil {
		return 0, err
	}
	return score, nil
}

// deployFrequencyScoreLocked counts patterns for project in the trailing 7
// days (across the current and previous month's shards) and scales via
// min(10, count/7).
func (s *Store) deployFrequencyScoreLocked(projectPath, project string, ts time.Time) (float64, error) {
	cutoff := ts.Add(-7 * 24 * time.Hour)
	count := 0

	for _, m := range []time.Time{ts, ts.AddDate(0, -1, 0)} {
		path := shardPath(projectPath, "deploy_patterns", monthKey(m))
		var shard patternsShard
		if err := atomicfile.ReadJSON(path, &shard); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		for _, p := range shard.Patterns {
			if p.Project != project {
				continue
			}
			if time.Unix(int64(p.DeployTS), 0).After(cutoff) {
				count++
			}
		}
	}

	score := float64(count) / 7.0
	if score > 10.0 {
		score = 10.0
	}
	return score, nil
}

func timeOfDay(hour int) string {
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

// GetTaskAnalytics aggregates suggestion/interaction history for a project
// (and optionally a specific task text) across the trailing `days`.
func (s *Store) GetTaskAnalytics(projectPath string, taskText string, days int) (TaskAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out TaskAnalytics
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	ignoreCutoff30d := time.Now().Add(-30 * 24 * time.Hour)

	suggestionIDs := map[string]bool{}
	for _, month := range recentMonths(days) {
		var shard suggestionsShard
		path := shardPath(projectPath, "suggestions", month)
		if err := atomicfile.ReadJSON(path, &shard); err != nil && !os.IsNotExist(err) {
			return out, err
		}
		for _, sugg := range shard.Suggestions {
			if taskText != "" && sugg.TaskText != taskText {
				continue
			}
			if time.Unix(int64(sugg.SuggestionTS), 0).Before(cutoff) {
				continue
			}
			out.SuggestionsCount++
			suggestionIDs[sugg.ID] = true
		}
	}

	var responseTotal float64
	var responseCount int
	var productivitySum float64
	var productivityCount int
	for _, month := range recentMonths(days) {
		var shard interactionsShard
		path := shardPath(projectPath, "interactions", month)
		if err := atomicfile.ReadJSON(path, &shard); err != nil && !os.IsNotExist(err) {
			return out, err
		}
		for _, in := range shard.Interactions {
			if !suggestionIDs[in.SuggestionID] {
				continue
			}
			switch in.Type {
			case model.InteractionAccepted:
				out.Accepted++
			case model.InteractionIgnored:
				out.Ignored++
				if time.Unix(int64(in.TS), 0).After(ignoreCutoff30d) {
					out.RecentIgnores30d++
				}
			case model.InteractionSnoozed:
				out.Snoozed++
			}
			responseTotal += in.ResponseTimeS
			responseCount++
			if in.CompletionDetected {
				out.TaskPatterns.TotalCompleted++
				if in.ProductivityScore != nil {
					productivitySum += *in.ProductivityScore
					productivityCount++
				}
			}
		}
	}

	if out.SuggestionsCount > 0 {
		out.AcceptanceRate = float64(out.Accepted) / float64(out.SuggestionsCount)
		out.CompletionRate = float64(out.TaskPatterns.TotalCompleted) / float64(out.SuggestionsCount)
	}
	if responseCount > 0 {
		out.AvgResponseTimeS = responseTotal / float64(responseCount)
	}
	if productivityCount > 0 {
		out.TaskPatterns.AvgProductivityScore = productivitySum / float64(productivityCount)
	}

	return out, nil
}

// GetDeployAnalytics aggregates sessions and patterns for a project across
// the trailing `days`.
func (s *Store) GetDeployAnalytics(projectPath string, days int) (DeployAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := DeployAnalytics{TopCommands: map[string]int{}, TimeOfDayHistogram: map[string]int{}}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	var scoreSum float64
	var scoreCount int
	for _, month := range recentMonths(days) {
		var shard sessionsShard
		path := shardPath(projectPath, "sessions", month)
		if err := atomicfile.ReadJSON(path, &shard); err != nil && !os.IsNotExist(err) {
			return out, err
		}
		for _, sess := range shard.Sessions {
			start, err := time.Parse(time.RFC3339, sess.SessionStart)
			if err == nil && start.Before(cutoff) {
				continue
			}
			out.TotalSessions++
			out.TotalTimeSavedS += sess.EstimatedTimeSavedS
			out.TopCommands[sess.DeployCommand]++
			if sess.ProductivityScore != nil {
				scoreSum += *sess.ProductivityScore
				scoreCount++
			}
		}

		var pshard patternsShard
		ppath := shardPath(projectPath, "deploy_patterns", month)
		if err := atomicfile.ReadJSON(ppath, &pshard); err != nil && !os.IsNotExist(err) {
			return out, err
		}
		for _, p := range pshard.Patterns {
			if time.Unix(int64(p.DeployTS), 0).Before(cutoff) {
				continue
			}
			out.TimeOfDayHistogram[p.TimeOfDay]++
		}
	}

	if scoreCount > 0 {
		out.AvgProductivityScore = scoreSum / float64(scoreCount)
	}
	return out, nil
}

func recentMonths(days int) []string {
	n := days/30 + 2
	months := make([]string, 0, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		months = append(months, monthKey(now.AddDate(0, -i, 0)))
	}
	return months
}
