package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/claude-mem/claude-mem/pkg/llm"
	"github.com/claude-mem/claude-mem/pkg/models"
	"github.com/claude-mem/claude-mem/pkg/vector"
)

// Committer is the subset of the store the processor needs: the atomic commit
// path plus the completion path for responses that yielded nothing.
type Committer interface {
	CommitBatch(ctx context.Context, pendingMessageID int64, observations []*models.Observation, summary *models.SessionSummary) error
	MarkProcessed(ctx context.Context, id int64) error
}

// Indexer receives newly committed rows for semantic search.
type Indexer interface {
	AddDocuments(ctx context.Context, project string, docs []vector.Document) error
}

// Processor persists parsed LLM responses. The store commit is transactional
// and authoritative; vector indexing happens after commit and its failures are
// logged, not propagated, because the backfill pass repairs any gap.
type Processor struct {
	store Committer
	index Indexer
}

func New(store Committer, index Indexer) *Processor {
	return &Processor{store: store, index: index}
}

// Result reports what one processed message produced.
type Result struct {
	Observations []*models.Observation
	Summary      *models.SessionSummary
}

// Process parses the LLM response for msg, stamps session metadata onto the
// extracted rows, and commits them together with the message's
// processing-to-processed transition. A response with no extractable content
// still completes the message.
func (p *Processor) Process(ctx context.Context, session *models.Session, msg *models.PendingMessage, llmResult *llm.Result) (*Result, error) {
	parsed := Parse(llmResult.Content)

	if len(parsed.Observations) == 0 && parsed.Summary == nil {
		slog.Warn("LLM response contained no memory content",
			"pending_message_id", msg.ID,
			"content_session_id", msg.ContentSessionID)
		if err := p.store.MarkProcessed(ctx, msg.ID); err != nil {
			return nil, fmt.Errorf("complete empty message: %w", err)
		}
		return &Result{}, nil
	}

	tokensPer := 0
	if n := len(parsed.Observations); n > 0 {
		tokensPer = llmResult.TokensUsed / n
	}
	for _, o := range parsed.Observations {
		o.MemorySessionID = session.MemorySessionID
		o.Project = session.Project
		o.PromptNumber = msg.PromptNumber
		o.BeadID = msg.BeadID
		o.DiscoveryTokens = tokensPer
		stampIdentity(&o.Agent, &o.Department, &o.Visibility)
	}
	if sum := parsed.Summary; sum != nil {
		sum.MemorySessionID = session.MemorySessionID
		sum.Project = session.Project
		stampIdentity(&sum.Agent, &sum.Department, &sum.Visibility)
	}

	if err := p.store.CommitBatch(ctx, msg.ID, parsed.Observations, parsed.Summary); err != nil {
		return nil, fmt.Errorf("commit batch for message %d: %w", msg.ID, err)
	}

	p.sync(ctx, session.Project, parsed)

	return &Result{Observations: parsed.Observations, Summary: parsed.Summary}, nil
}

func stampIdentity(agent *string, department *string, visibility *models.Visibility) {
	if *agent == "" {
		*agent = models.DefaultAgent
	}
	if *department == "" {
		*department = models.DefaultDepartment
	}
	if *visibility == "" {
		*visibility = models.VisibilityProject
	}
}

// sync pushes committed rows into the vector index. SQLite already holds the
// rows, so an indexing error only costs search freshness until backfill.
func (p *Processor) sync(ctx context.Context, project string, parsed *Parsed) {
	var docs []vector.Document
	for _, o := range parsed.Observations {
		docs = append(docs, vector.ObservationDocs(o)...)
	}
	if parsed.Summary != nil {
		docs = append(docs, vector.SummaryDocs(parsed.Summary)...)
	}
	if len(docs) == 0 {
		return
	}
	if err := p.index.AddDocuments(ctx, project, docs); err != nil {
		slog.Error("Vector sync failed; rows remain searchable via backfill",
			"project", project,
			"documents", len(docs),
			"error", err)
	}
}
