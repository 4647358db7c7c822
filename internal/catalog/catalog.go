// Package catalog parses a project's TODO.md into tagged, prioritized,
// app-annotated tasks. Hashtags anywhere in a checklist line are metadata;
// the displayed text has them stripped.
package catalog

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/G-Jeffreys/DeployBot/internal/model"
)

var tagRe = regexp.MustCompile(`#\w+`)

// tagAppMapping is checked first, in the fixed order of tagOrder: the first
// tagOrder entry that the task carries wins, whatever the tags' order in the
// task text.
var tagAppMapping = map[string]string{
	"writing":  "Bear",
	"creative": "Figma",
	"design":   "Figma",
	"research": "Safari",
	"code":     "VSCode",
	"backend":  "Terminal",
	"business": "Notion",
	"todo":     "Things",
	"notes":    "Bear",
	"email":    "Mail",
}

var tagOrder = []string{
	"writing", "creative", "design", "research", "code", "backend",
	"business", "todo", "notes", "email",
}

// keywordAppMapping is the fallback when no tag matches; keywordOrder fixes
// the match priority since map iteration order is not stable.
var keywordAppMapping = map[string]string{
	"write":       "Bear",
	"document":    "Bear",
	"blog":        "Bear",
	"note":        "Bear",
	"design":      "Figma",
	"mockup":      "Figma",
	"wireframe":   "Figma",
	"code":        "VSCode",
	"develop":     "VSCode",
	"implement":   "VSCode",
	"research":    "Safari",
	"google":      "Safari",
	"investigate": "Safari",
	"email":       "Mail",
	"call":        "FaceTime",
	"meeting":     "Zoom",
}

var keywordOrder = []string{
	"write", "document", "blog", "note", "design", "mockup", "wireframe",
	"code", "develop", "implement", "research", "google", "investigate",
	"email", "call", "meeting",
}

const defaultApp = "Notion"

var tagPriorityDeltas = map[string]int{
	"#urgent":  3,
	"#important": 2,
	"#high":    2,
	"#low":     -2,
	"#someday": -3,
	"#short":   1,
	"#solo":    1,
}

var highPriorityKeywords = []string{"urgent", "asap", "deadline", "important"}
var lowPriorityKeywords = []string{"someday", "maybe", "nice to have"}

// Parse reads a TODO.md file and returns its tasks. A missing or unreadable
// file yields an empty catalog, never an error.
func Parse(path string) []model.Task {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var tasks []model.Task
	section := "Unknown"
	id := 1

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "##") {
			section = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}

		if !strings.HasPrefix(line, "- [") {
			continue
		}

		completed := strings.HasPrefix(line, "- [x]")
		if !completed && !strings.HasPrefix(line, "- [ ]") {
			continue
		}

		rest := line[5:]
		taskText := strings.TrimSpace(rest)

		tags := tagRe.FindAllString(taskText, -1)
		cleanText := strings.TrimSpace(tagRe.ReplaceAllString(taskText, ""))
		cleanText = strings.Join(strings.Fields(cleanText), " ")

		task := model.Task{
			ID:           id,
			Text:         cleanText,
			OriginalText: taskText,
			Tags:         tags,
			Completed:    completed,
			Section:      section,
			LineNumber:   lineNum,
		}
		task.App = determineApp(tags, cleanText)
		task.Priority = calculatePriority(tags, cleanText)
		task.EstimatedDurationMin = estimateDuration(tags, cleanText)

		tasks = append(tasks, task)
		id++
	}

	return tasks
}

func determineApp(tags []string, text string) string {
	present := map[string]bool{}
	for _, tag := range tags {
		present[strings.ToLower(strings.TrimPrefix(tag, "#"))] = true
	}
	for _, tag := range tagOrder {
		if present[tag] {
			return tagAppMapping[tag]
		}
	}

	lower := strings.ToLower(text)
	for _, keyword := range keywordOrder {
		if strings.Contains(lower, keyword) {
			return keywordAppMapping[keyword]
		}
	}

	return defaultApp
}

func calculatePriority(tags []string, text string) int {
	priority := 5

	for _, tag := range tags {
		if delta, ok := tagPriorityDeltas[strings.ToLower(tag)]; ok {
			priority += delta
		}
	}

	lower := strings.ToLower(text)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(lower, kw) {
			priority += 2
			break
		}
	}
	for _, kw := range lowPriorityKeywords {
		if strings.Contains(lower, kw) {
			priority -= 2
			break
		}
	}

	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return priority
}

var quickKeywords = []string{"quick", "simple", "update", "check", "review"}
var longKeywords = []string{"implement", "design", "research", "write", "create", "build"}

func estimateDuration(tags []string, text string) int {
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "#short":
			return 20
		case "#long":
			return 120
		case "#quick":
			return 10
		}
	}

	lower := strings.ToLower(text)
	for _, kw := range quickKeywords {
		if strings.Contains(lower, kw) {
			return 15
		}
	}
	for _, kw := range longKeywords {
		if strings.Contains(lower, kw) {
			return 90
		}
	}

	return 45
}
