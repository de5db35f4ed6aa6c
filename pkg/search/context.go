package search

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/store"
)

// Context block sizing.
const (
	contextObservations = 10
	contextSummaries    = 3
)

// ContextBlock renders the session-start memory injection for a project: the
// most recent observations, a few summaries, and the last user prompt. Output
// is deterministic given the stored rows.
func (e *Engine) ContextBlock(ctx context.Context, project string, viewer *models.Agent) (string, error) {
	projects, err := e.expandProjects(ctx, project)
	if err != nil {
		return "", err
	}

	observations, err := e.recentInVocabulary(ctx, projects, viewer, contextObservations)
	if err != nil {
		return "", err
	}
	summaries, err := e.store.QuerySummaries(ctx, projects, viewer, contextSummaries)
	if err != nil {
		return "", err
	}
	prompts, err := e.store.UserPromptsBetween(ctx, projects, 0, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Memory: %s\n", project)

	if len(observations) > 0 {
		sb.WriteString("\n## Recent observations\n")
		for _, o := range observations {
			renderObservation(&sb, o)
		}
	}
	if len(summaries) > 0 {
		sb.WriteString("\n## Session summaries\n")
		for _, s := range summaries {
			renderSummary(&sb, s)
		}
	}
	if len(prompts) > 0 {
		last := prompts[len(prompts)-1]
		sb.WriteString("\n## Last user prompt\n")
		fmt.Fprintf(&sb, "%s\n", last.PromptText)
	}

	if len(observations) == 0 && len(summaries) == 0 && len(prompts) == 0 {
		sb.WriteString("\nNo stored memory for this project yet.\n")
	}
	return sb.String(), nil
}

// recentInVocabulary returns the newest observations matching the active
// mode's vocabulary. The type filter runs in SQL; concepts are checked here
// because the store's concept filter requires every listed concept, while the
// vocabulary asks for any. Observations without concepts pass.
func (e *Engine) recentInVocabulary(ctx context.Context, projects []string, viewer *models.Agent, limit int) ([]*models.Observation, error) {
	rows, err := e.store.QueryObservations(ctx, store.ObservationFilter{
		Projects:    projects,
		Types:       e.vocabTypes,
		Viewer:      viewer,
		Limit:       limit,
		NewestFirst: true,
	})
	if err != nil {
		return nil, err
	}
	if len(e.vocabConcepts) == 0 {
		return rows, nil
	}
	out := rows[:0]
	for _, o := range rows {
		if len(o.Concepts) == 0 || anyConcept(o.Concepts, e.vocabConcepts) {
			out = append(out, o)
		}
	}
	return out, nil
}

func anyConcept(have, vocabulary []string) bool {
	for _, c := range have {
		if slices.Contains(vocabulary, c) {
			return true
		}
	}
	return false
}

func renderObservation(sb *strings.Builder, o *models.Observation) {
	fmt.Fprintf(sb, "- [%s] %s", o.Type, o.Title)
	if o.Subtitle != "" {
		fmt.Fprintf(sb, ": %s", o.Subtitle)
	}
	sb.WriteString("\n")
	for _, fact := range o.Facts {
		fmt.Fprintf(sb, "  - %s\n", fact)
	}
}

func renderSummary(sb *strings.Builder, s *models.SessionSummary) {
	fields := []struct{ label, text string }{
		{"Request", s.Request},
		{"Learned", s.Learned},
		{"Completed", s.Completed},
		{"Next steps", s.NextSteps},
	}
	first := true
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		if first {
			fmt.Fprintf(sb, "- %s: %s\n", f.label, f.text)
			first = false
		} else {
			fmt.Fprintf(sb, "  %s: %s\n", f.label, f.text)
		}
	}
}
