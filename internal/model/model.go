// Package model defines the data types shared across DeployBot's components.
// Keeping them in one package avoids import cycles between the monitor,
// timer, catalog, selector, notify, analytics, and orchestrator packages,
// which all need to refer to the same records.
package model

import "time"

// Project is a registered project directory.
type Project struct {
	Name   string        `json:"name"`
	Path   string        `json:"path"`
	Config ProjectConfig `json:"config"`
}

// ProjectConfig mirrors <project>/config.json. Unknown fields are preserved
// on round-trip via Metadata.
type ProjectConfig struct {
	ProjectName    string                 `json:"projectName"`
	Description    string                 `json:"description,omitempty"`
	Version        string                 `json:"version,omitempty"`
	CreatedAt      string                 `json:"createdAt,omitempty"`
	LastModified   string                 `json:"lastModified,omitempty"`
	BackendServices []string              `json:"backendServices,omitempty"`
	DeployCommands []string               `json:"deployCommands,omitempty"`
	Settings       ProjectSettings        `json:"settings"`
	TaskMappings   map[string]string      `json:"taskMappings,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ProjectSettings is the settings{} block of a project config.json.
type ProjectSettings struct {
	DefaultTimer  int      `json:"defaultTimer"`
	GracePeriod   int      `json:"graceperiod"`
	AutoRedirect  bool     `json:"autoRedirect"`
	ExcludeTags   []string `json:"excludeTags,omitempty"`
	PreferredTags []string `json:"preferredTags,omitempty"`
}

// DeployEventKind discriminates DeployEvent's tagged union.
type DeployEventKind string

const (
	DeployStart    DeployEventKind = "start"
	DeployComplete DeployEventKind = "complete"
)

// DeployEvent is a parsed line from a deploy log.
type DeployEvent struct {
	Kind      DeployEventKind
	Timestamp float64 // unix seconds, float per the wire format
	Command   string
	CWD       string // only meaningful for DeployStart
	ExitCode  *int   // only meaningful for DeployComplete
	Project   string
}

// TimerStatus enumerates Timer.Status.
type TimerStatus string

const (
	TimerRunning TimerStatus = "running"
	TimerPaused  TimerStatus = "paused"
	TimerStopped TimerStatus = "stopped"
	TimerExpired TimerStatus = "expired"
)

// Timer is the per-project countdown singleton.
type Timer struct {
	Project         string      `json:"project"`
	StartTS         float64     `json:"start_ts"`
	EndTS           float64     `json:"end_ts"`
	DurationS       float64     `json:"duration_s"`
	Paused          bool        `json:"paused"`
	PauseStartedTS  *float64    `json:"pause_started_ts,omitempty"`
	AccruedPauseS   float64     `json:"accrued_pause_s"`
	Status          TimerStatus `json:"status"`
	DeployCommand   string      `json:"deploy_command,omitempty"`
}

// TimerUpdate is the periodic broadcast payload for a timer tick.
type TimerUpdate struct {
	Project       string      `json:"project"`
	Status        TimerStatus `json:"status"`
	RemainingS    float64     `json:"remaining_s"`
	DurationS     float64     `json:"duration_s"`
	ProgressPct   float64     `json:"progress_pct"`
	Formatted     string      `json:"formatted"`
	Paused        bool        `json:"paused"`
	DeployCommand string      `json:"deploy_command,omitempty"`
}

// SessionStatus enumerates DeploySession.Status.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// DeploySession is the bookkeeping envelope around one propagation window.
type DeploySession struct {
	SessionID           string        `json:"session_id"`
	Project             string        `json:"project"`
	DeployCommand       string        `json:"deploy_command"`
	SessionStart        string        `json:"session_start"` // ISO timestamp
	SessionEnd          string        `json:"session_end,omitempty"`
	TimerDurationS       float64      `json:"timer_duration_s"`
	CloudPropagationS    float64      `json:"cloud_propagation_s"`
	TasksSuggested       int          `json:"tasks_suggested"`
	TasksAccepted        int          `json:"tasks_accepted"`
	SwitchPressed        bool         `json:"switch_pressed"`
	SwitchTS             string       `json:"switch_ts,omitempty"`
	EstimatedTimeSavedS   float64     `json:"estimated_time_saved_s"`
	Status                SessionStatus `json:"status"`
	ProductivityScore    *float64      `json:"productivity_score,omitempty"`
}

// Task is a parsed TODO.md checklist item.
type Task struct {
	ID                  int      `json:"id"`
	Text                string   `json:"text"`
	OriginalText        string   `json:"original_text"`
	Tags                []string `json:"tags"`
	Completed           bool     `json:"completed"`
	Section             string   `json:"section"`
	LineNumber          int      `json:"line_number"`
	App                 string   `json:"app"`
	Priority            int      `json:"priority"`
	EstimatedDurationMin int     `json:"estimated_duration"`
}

// HasTag reports whether the task carries the given "#tag" (case-insensitive).
func (t *Task) HasTag(tag string) bool {
	for _, g := range t.Tags {
		if equalFold(g, tag) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// SuggestionContext captures the decision inputs recorded alongside a Suggestion.
type SuggestionContext struct {
	TimeOfDay          string  `json:"time_of_day"`
	ProjectType        string  `json:"project_type,omitempty"`
	RecentDeploys      int     `json:"recent_deploys"`
	DeployActive       bool    `json:"deploy_active"`
	Priority           int     `json:"priority"`
	EstimatedDuration  int     `json:"estimated_duration"`
}

// Suggestion is an analytics record for a task offered to the user.
type Suggestion struct {
	ID              string             `json:"id"`
	TaskID          int                `json:"task_id"`
	TaskText        string             `json:"task_text"`
	TaskTags        []string           `json:"task_tags"`
	SuggestedApp    string             `json:"suggested_app"`
	SuggestionTS    float64            `json:"suggestion_ts"`
	DeployCommand   string             `json:"deploy_command"`
	TimerDurationS  float64            `json:"timer_duration_s"`
	Context         SuggestionContext  `json:"context"`
	Project         string             `json:"project"`
}

// InteractionType enumerates Interaction.Type.
type InteractionType string

const (
	InteractionAccepted InteractionType = "accepted"
	InteractionIgnored  InteractionType = "ignored"
	InteractionSnoozed  InteractionType = "snoozed"
	InteractionDismissed InteractionType = "dismissed"
)

// CompletionMethod enumerates Interaction.CompletionMethod.
type CompletionMethod string

const (
	CompletionManual        CompletionMethod = "manual"
	CompletionTimeHeuristic  CompletionMethod = "time_heuristic"
	CompletionAppIntegration CompletionMethod = "app_integration"
)

// Interaction links a Suggestion to the user's eventual response.
type Interaction struct {
	SuggestionID       string            `json:"suggestion_id"`
	Type               InteractionType   `json:"type"`
	TS                 float64           `json:"ts"`
	ResponseTimeS      float64           `json:"response_time_s"`
	CompletionDetected bool              `json:"completion_detected"`
	CompletionMethod   *CompletionMethod `json:"completion_method,omitempty"`
	TimeInAppS         *float64          `json:"time_in_app_s,omitempty"`
	ProductivityScore  *float64          `json:"productivity_score,omitempty"`
}

// TimeOfDay buckets enumerate DeployPattern.TimeOfDay.
const (
	TimeOfDayMorning   = "morning"
	TimeOfDayAfternoon = "afternoon"
	TimeOfDayEvening   = "evening"
	TimeOfDayNight     = "night"
)

// DeployPattern is a per-deploy analytics record used for historical selection.
type DeployPattern struct {
	Project             string  `json:"project"`
	DeployCommand       string  `json:"deploy_command"`
	DeployTS            float64 `json:"deploy_ts"`
	TimeOfDay           string  `json:"time_of_day"`
	DayOfWeek           int     `json:"day_of_week"`
	DeployFrequencyScore float64 `json:"deploy_frequency_score"`
}

// NotificationState enumerates Notification lifecycle states.
type NotificationState string

const (
	NotificationActive       NotificationState = "active"
	NotificationDismissed    NotificationState = "dismissed"
	NotificationAutoDismissed NotificationState = "auto_dismissed"
	NotificationResponded    NotificationState = "responded"
	NotificationSnoozed      NotificationState = "snoozed"
)

// Notification is a single dispatched, templated notification.
type Notification struct {
	ID           string                 `json:"id"`
	TemplateName string                 `json:"template_name"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	Actions      []string               `json:"actions"`
	Category     string                 `json:"category"`
	Data         map[string]interface{} `json:"data"`
	CreatedTS    float64                `json:"created_ts"`
	AutoDismissS float64                `json:"auto_dismiss_s"`
	State        NotificationState      `json:"state"`
}

// NowSeconds returns the current time as unix seconds with fractional
// precision, matching the float timestamps used throughout the wire formats.
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
