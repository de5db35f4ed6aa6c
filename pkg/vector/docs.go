package vector

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// Document types stored in the index.
const (
	DocObservation = "observation"
	DocSummary     = "session_summary"
	DocPrompt      = "user_prompt"
)

// Document is one vector index entry: deterministic id, raw text, and the
// metadata needed to recover the owning relational row.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// QueryResult is one similarity hit. Distance is cosine-space: lower is
// closer.
type QueryResult struct {
	DocID    string
	Distance float32
	Metadata map[string]string
}

var docIDPattern = regexp.MustCompile(`^(obs|summary|prompt)_(\d+)(?:_.+)?$`)

// ParseDocID recovers the owning row from a document id. Returns the doc
// type constant and the relational row id.
func ParseDocID(id string) (docType string, sqliteID int64, ok bool) {
	m := docIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	switch m[1] {
	case "obs":
		return DocObservation, n, true
	case "summary":
		return DocSummary, n, true
	case "prompt":
		return DocPrompt, n, true
	}
	return "", 0, false
}

func baseMetadata(docType, memorySessionID, project string, sqliteID, createdAtEpoch int64, fieldType string) map[string]string {
	return map[string]string{
		"sqlite_id":         strconv.FormatInt(sqliteID, 10),
		"doc_type":          docType,
		"memory_session_id": memorySessionID,
		"project":           project,
		"created_at_epoch":  strconv.FormatInt(createdAtEpoch, 10),
		"field_type":        fieldType,
	}
}

// ObservationDocs denormalizes one observation into granular documents: one
// for the narrative, one per fact, and one for the legacy text field.
func ObservationDocs(o *models.Observation) []Document {
	var docs []Document
	add := func(id, text, fieldType string) {
		docs = append(docs, Document{
			ID:       id,
			Text:     text,
			Metadata: baseMetadata(DocObservation, o.MemorySessionID, o.Project, o.ID, o.CreatedAtEpoch, fieldType),
		})
	}

	if o.Narrative != "" {
		add(fmt.Sprintf("obs_%d_narrative", o.ID), o.Narrative, "narrative")
	}
	for i, fact := range o.Facts {
		if fact != "" {
			add(fmt.Sprintf("obs_%d_fact_%d", o.ID, i), fact, "fact")
		}
	}
	if o.Text != "" {
		add(fmt.Sprintf("obs_%d_text", o.ID), o.Text, "text")
	}
	return docs
}

// SummaryDocs yields one document per populated summary field.
func SummaryDocs(sum *models.SessionSummary) []Document {
	fields := []struct{ name, text string }{
		{"request", sum.Request},
		{"investigated", sum.Investigated},
		{"learned", sum.Learned},
		{"completed", sum.Completed},
		{"next_steps", sum.NextSteps},
		{"notes", sum.Notes},
	}
	var docs []Document
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		docs = append(docs, Document{
			ID:       fmt.Sprintf("summary_%d_%s", sum.ID, f.name),
			Text:     f.text,
			Metadata: baseMetadata(DocSummary, sum.MemorySessionID, sum.Project, sum.ID, sum.CreatedAtEpoch, f.name),
		})
	}
	return docs
}

// PromptDocs yields the single document for a user prompt.
func PromptDocs(p *models.UserPrompt, project string) []Document {
	if p.PromptText == "" {
		return nil
	}
	return []Document{{
		ID:       fmt.Sprintf("prompt_%d", p.ID),
		Text:     p.PromptText,
		Metadata: baseMetadata(DocPrompt, p.ContentSessionID, project, p.ID, p.CreatedAtEpoch, "prompt"),
	}}
}
