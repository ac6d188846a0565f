package testreport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one executed timeline event.
type Entry struct {
	TimeMs  int
	Device  string
	Action  string
	Message string
}

// Check is one evaluated assertion.
type Check struct {
	Description string
	Expected    string
	Actual      string
	Passed      bool
	Comment     string
}

// Report is everything a scenario run produced.
type Report struct {
	Name          string
	Description   string
	Generated     time.Time
	Duration      time.Duration
	Timeline      []Entry
	Checks        []Check
	Commands      []string
	Notifications []string
}

// Failures counts failed checks.
func (r Report) Failures() int {
	n := 0
	for _, c := range r.Checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

// Passed reports whether every check held.
func (r Report) Passed() bool { return r.Failures() == 0 }

// Generate writes the report as markdown into dir and returns its path.
func Generate(dir string, r Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating report dir: %w", err)
	}

	timestamp := r.Generated.Format("2006-01-02_15-04-05")
	reportPath := filepath.Join(dir, fmt.Sprintf("report_%s_%s.md", slug(r.Name), timestamp))

	if err := os.WriteFile(reportPath, []byte(Render(r)), 0644); err != nil {
		return "", fmt.Errorf("error writing report: %w", err)
	}
	return reportPath, nil
}

func slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "scenario"
	}
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			return c
		}
		return '_'
	}, name)
}

// Render formats the report as markdown.
func Render(r Report) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Scenario Report: %s\n\n", r.Name))
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n\n", r.Generated.Format("2006-01-02 15:04:05")))
	if r.Description != "" {
		sb.WriteString(r.Description + "\n\n")
	}
	sb.WriteString(fmt.Sprintf("**Simulated time:** %v\n\n", r.Duration))

	sb.WriteString("## Summary\n\n")
	if r.Passed() {
		sb.WriteString(fmt.Sprintf("✅ All %d assertions passed\n\n", len(r.Checks)))
	} else {
		sb.WriteString(fmt.Sprintf("❌ %d of %d assertions failed\n\n", r.Failures(), len(r.Checks)))
	}

	sb.WriteString("## Assertions\n\n")
	sb.WriteString("| | Assertion | Expected | Actual | Note |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, c := range r.Checks {
		mark := "✅"
		if !c.Passed {
			mark = "❌"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n", mark, c.Description, c.Expected, c.Actual, c.Comment))
	}
	sb.WriteString("\n")

	sb.WriteString("## Timeline\n\n")
	sb.WriteString("```\n")
	for _, e := range r.Timeline {
		sb.WriteString(fmt.Sprintf("[%6dms] %-20s %-10s %s\n", e.TimeMs, e.Action, e.Device, e.Message))
	}
	sb.WriteString("```\n\n")

	if len(r.Commands) > 0 {
		sb.WriteString(fmt.Sprintf("## Radio Commands (%d)\n\n", len(r.Commands)))
		for i, c := range r.Commands {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, c))
		}
		sb.WriteString("\n")
	}

	if len(r.Notifications) > 0 {
		sb.WriteString(fmt.Sprintf("## Notifications (%d)\n\n", len(r.Notifications)))
		for _, n := range r.Notifications {
			sb.WriteString("- " + n + "\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Summary is the short console form: one line per failure.
func Summary(r Report) string {
	if r.Passed() {
		return fmt.Sprintf("✅ %s: all %d assertions passed", r.Name, len(r.Checks))
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("❌ %s: %d issues:\n", r.Name, r.Failures()))
	for _, c := range r.Checks {
		if !c.Passed {
			sb.WriteString(fmt.Sprintf("  [ERROR] %s: expected %s, got %s\n", c.Description, c.Expected, c.Actual))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
