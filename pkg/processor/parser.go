// Package processor turns raw LLM responses into persisted observations and
// summaries. The response format is custom XML embedded in free text, so
// parsing is a tolerant hand-written scanner rather than a strict decoder:
// malformed blocks are skipped with a warning, never fatal.
package processor

import (
	"log/slog"
	"strings"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// Parsed is the structured content of one LLM response.
type Parsed struct {
	Observations []*models.Observation
	Summary      *models.SessionSummary
}

// Parse extracts observations and a summary from LLM output. Private blocks
// are stripped first and never persisted.
func Parse(content string) *Parsed {
	content = StripPrivate(content)

	parsed := &Parsed{}
	for _, memory := range extractBlocks(content, "memory") {
		for _, block := range extractBlocksWithAttrs(memory.inner, "observation") {
			obs := parseObservation(block)
			if obs == nil {
				continue
			}
			parsed.Observations = append(parsed.Observations, obs)
		}
	}

	if summaries := extractBlocks(content, "summary"); len(summaries) > 0 {
		// Multiple summary blocks collapse into the first; the rest are noise.
		parsed.Summary = parseSummary(summaries[0].inner)
	}
	return parsed
}

// StripPrivate removes <private>…</private> spans. An unclosed tag strips to
// the end of the text.
func StripPrivate(content string) string {
	var sb strings.Builder
	for {
		start := strings.Index(content, "<private>")
		if start < 0 {
			sb.WriteString(content)
			return sb.String()
		}
		sb.WriteString(content[:start])
		rest := content[start+len("<private>"):]
		end := strings.Index(rest, "</private>")
		if end < 0 {
			return sb.String()
		}
		content = rest[end+len("</private>"):]
	}
}

func parseObservation(block taggedBlock) *models.Observation {
	typ := models.ObservationType(block.attrs["type"])
	if !typ.Valid() {
		slog.Warn("Skipping observation with unknown type", "type", string(typ))
		return nil
	}
	title := strings.TrimSpace(firstTag(block.inner, "title"))
	if title == "" {
		slog.Warn("Skipping observation without title", "type", string(typ))
		return nil
	}

	obs := &models.Observation{
		Type:          typ,
		Title:         title,
		Subtitle:      strings.TrimSpace(firstTag(block.inner, "subtitle")),
		Narrative:     strings.TrimSpace(firstTag(block.inner, "narrative")),
		Facts:         allTags(block.inner, "fact"),
		Concepts:      allTags(block.inner, "concept"),
		FilesRead:     allTags(block.inner, "file_read"),
		FilesModified: allTags(block.inner, "file_modified"),
	}
	if vis := models.Visibility(block.attrs["visibility"]); vis != "" && vis.Valid() {
		obs.Visibility = vis
	}
	return obs
}

func parseSummary(inner string) *models.SessionSummary {
	sum := &models.SessionSummary{
		Request:      strings.TrimSpace(firstTag(inner, "request")),
		Investigated: strings.TrimSpace(firstTag(inner, "investigated")),
		Learned:      strings.TrimSpace(firstTag(inner, "learned")),
		Completed:    strings.TrimSpace(firstTag(inner, "completed")),
		NextSteps:    strings.TrimSpace(firstTag(inner, "next_steps")),
		Notes:        strings.TrimSpace(firstTag(inner, "notes")),
	}
	if sum.Request == "" && sum.Investigated == "" && sum.Learned == "" &&
		sum.Completed == "" && sum.NextSteps == "" && sum.Notes == "" {
		return nil
	}
	return sum
}

type taggedBlock struct {
	attrs map[string]string
	inner string
}

// extractBlocks finds <tag>…</tag> spans without attributes.
func extractBlocks(content, tag string) []taggedBlock {
	var blocks []taggedBlock
	open := "<" + tag + ">"
	close := "</" + tag + ">"
	for {
		start := strings.Index(content, open)
		if start < 0 {
			return blocks
		}
		rest := content[start+len(open):]
		end := strings.Index(rest, close)
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, taggedBlock{attrs: map[string]string{}, inner: rest[:end]})
		content = rest[end+len(close):]
	}
}

// extractBlocksWithAttrs finds <tag attr="v" …>…</tag> spans, parsing the
// attribute list.
func extractBlocksWithAttrs(content, tag string) []taggedBlock {
	var blocks []taggedBlock
	close := "</" + tag + ">"
	for {
		start := strings.Index(content, "<"+tag)
		if start < 0 {
			return blocks
		}
		rest := content[start+len(tag)+1:]
		// The match must be the tag itself, not a prefix of a longer name.
		if rest == "" || (rest[0] != ' ' && rest[0] != '>' && rest[0] != '\t' && rest[0] != '\n') {
			content = rest
			continue
		}
		gt := strings.Index(rest, ">")
		if gt < 0 {
			return blocks
		}
		attrs := parseAttrs(rest[:gt])
		body := rest[gt+1:]
		end := strings.Index(body, close)
		if end < 0 {
			slog.Warn("Skipping unterminated block", "tag", tag)
			return blocks
		}
		blocks = append(blocks, taggedBlock{attrs: attrs, inner: body[:end]})
		content = body[end+len(close):]
	}
}

// parseAttrs reads key="value" or key='value' pairs.
func parseAttrs(s string) map[string]string {
	attrs := map[string]string{}
	for {
		eq := strings.Index(s, "=")
		if eq < 0 {
			return attrs
		}
		key := strings.TrimSpace(s[:eq])
		rest := strings.TrimSpace(s[eq+1:])
		if rest == "" {
			return attrs
		}
		quote := rest[0]
		if quote != '"' && quote != '\'' {
			return attrs
		}
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return attrs
		}
		attrs[key] = rest[1 : 1+end]
		s = rest[end+2:]
	}
}

// firstTag returns the content of the first <tag>…</tag> span, or "".
func firstTag(content, tag string) string {
	blocks := extractBlocks(content, tag)
	if len(blocks) == 0 {
		return ""
	}
	return blocks[0].inner
}

// allTags returns the trimmed non-empty contents of every <tag>…</tag> span.
func allTags(content, tag string) []string {
	var out []string
	for _, b := range extractBlocks(content, tag) {
		if v := strings.TrimSpace(b.inner); v != "" {
			out = append(out, v)
		}
	}
	return out
}
