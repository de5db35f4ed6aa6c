package session

import (
	"strings"

	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/models"
)

// Prompt template keys resolved against the active mode. A mode file may
// override any of them; the built-in text below applies otherwise.
const (
	promptInit        = "init"
	promptObservation = "observation"
	promptSummarize   = "summarize"
)

const defaultInitPrompt = `You are a memory agent observing a coding session in project {{project}}.
As tool events arrive you will extract durable observations worth remembering.

Respond with <memory> blocks containing <observation type="TYPE"> elements.
Valid types: {{observation_types}}.
Each observation needs a <title>; add <subtitle>, <narrative>, <fact>, <concept>,
<file_read> and <file_modified> elements as warranted.
Valid concepts: {{concepts}}.
Use <private> for reasoning that must not be stored.

First event:
{{event}}`

const defaultObservationPrompt = `New tool event in this session:
{{event}}

Record any durable observations as <memory> blocks, or reply briefly if there is nothing worth keeping.`

const defaultSummarizePrompt = `The session is wrapping up. Summarize it as a <summary> block with
<request>, <investigated>, <learned>, <completed>, <next_steps> and <notes>
elements, each a short paragraph. Omit elements you have nothing for.

Final context:
{{event}}`

// buildPrompt renders the prompt for one claimed message. The first round of a
// conversation uses the init template (which carries the full instructions);
// later rounds use the lighter per-event templates.
func buildPrompt(mode *config.Mode, session *models.Session, msg *models.PendingMessage, firstRound bool) string {
	var key, fallback string
	switch {
	case firstRound:
		key, fallback = promptInit, defaultInitPrompt
	case msg.Type == models.MessageSummarize:
		key, fallback = promptSummarize, defaultSummarizePrompt
	default:
		key, fallback = promptObservation, defaultObservationPrompt
	}

	template := mode.Prompts[key]
	if template == "" {
		template = fallback
	}

	return strings.NewReplacer(
		"{{project}}", session.Project,
		"{{observation_types}}", strings.Join(mode.ObservationTypes, ", "),
		"{{concepts}}", strings.Join(mode.Concepts, ", "),
		"{{event}}", renderEvent(msg),
	).Replace(template)
}

// renderEvent flattens the message's tool data into prompt text, skipping
// empty fields.
func renderEvent(msg *models.PendingMessage) string {
	var sb strings.Builder
	writeField(&sb, "Tool", msg.ToolName)
	writeField(&sb, "Input", msg.ToolInput)
	writeField(&sb, "Response", msg.ToolResponse)
	writeField(&sb, "Working directory", msg.CWD)
	writeField(&sb, "Last user message", msg.LastUserMessage)
	writeField(&sb, "Last assistant message", msg.LastAssistantMessage)
	if sb.Len() == 0 {
		return "(no tool data)"
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeField(sb *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}
