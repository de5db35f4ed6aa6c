package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/claude-mem/claude-mem/pkg/models"
)

// validateObservation enforces the type and visibility vocabularies and
// applies agent metadata defaults.
func validateObservation(o *models.Observation) error {
	if o.Title == "" {
		return NewValidationError("title", "required")
	}
	if !o.Type.Valid() {
		return NewValidationError("type", string(o.Type))
	}
	if o.Agent == "" {
		o.Agent = models.DefaultAgent
	}
	if o.Department == "" {
		o.Department = models.DefaultDepartment
	}
	if o.Visibility == "" {
		o.Visibility = models.VisibilityProject
	}
	if !o.Visibility.Valid() {
		return NewValidationError("visibility", string(o.Visibility))
	}
	return nil
}

func validateSummary(sum *models.SessionSummary) error {
	if sum.Agent == "" {
		sum.Agent = models.DefaultAgent
	}
	if sum.Department == "" {
		sum.Department = models.DefaultDepartment
	}
	if sum.Visibility == "" {
		sum.Visibility = models.VisibilityProject
	}
	if !sum.Visibility.Valid() {
		return NewValidationError("visibility", string(sum.Visibility))
	}
	return nil
}

// InsertObservation stores one observation outside the batch path.
func (s *Store) InsertObservation(ctx context.Context, o *models.Observation) (int64, error) {
	if err := validateObservation(o); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertObservationTx(ctx, tx, o)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit observation: %w", err)
	}
	o.ID = id
	return id, nil
}

// InsertSummary stores one session summary outside the batch path.
func (s *Store) InsertSummary(ctx context.Context, sum *models.SessionSummary) (int64, error) {
	if err := validateSummary(sum); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertSummaryTx(ctx, tx, sum)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit summary: %w", err)
	}
	sum.ID = id
	return id, nil
}

// CommitBatch is the atomic commit path used by the response processor: in
// one transaction it inserts the observations, at most one summary, and
// transitions the originating pending message from processing to processed
// (nulling the tool payload). Either everything lands or nothing does.
func (s *Store) CommitBatch(ctx context.Context, pendingMessageID int64, observations []*models.Observation, summary *models.SessionSummary) error {
	for _, o := range observations {
		if err := validateObservation(o); err != nil {
			return err
		}
	}
	if summary != nil {
		if err := validateSummary(summary); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range observations {
		id, err := insertObservationTx(ctx, tx, o)
		if err != nil {
			return err
		}
		o.ID = id
	}
	if summary != nil {
		id, err := insertSummaryTx(ctx, tx, summary)
		if err != nil {
			return err
		}
		summary.ID = id
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_messages
		 SET status = 'processed', completed_at_epoch = ?, tool_input = NULL, tool_response = NULL
		 WHERE id = ? AND status = 'processing'`,
		nowEpoch(), pendingMessageID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending message %d not in processing state: %w", pendingMessageID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func insertObservationTx(ctx context.Context, tx *sql.Tx, o *models.Observation) (int64, error) {
	if o.CreatedAtEpoch == 0 {
		o.CreatedAtEpoch = nowEpoch()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO observations (
			memory_session_id, project, type, title, subtitle, narrative, text,
			facts, concepts, files_read, files_modified, prompt_number,
			discovery_tokens, created_at_epoch, bead_id, agent, department, visibility
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.MemorySessionID, o.Project, string(o.Type), o.Title,
		nullable(o.Subtitle), nullable(o.Narrative), nullable(o.Text),
		marshalStrings(o.Facts), marshalStrings(o.Concepts),
		marshalStrings(o.FilesRead), marshalStrings(o.FilesModified),
		nullableInt(int64(o.PromptNumber)), o.DiscoveryTokens, o.CreatedAtEpoch,
		nullable(o.BeadID), o.Agent, o.Department, string(o.Visibility))
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", mapConstraintError(err))
	}
	return res.LastInsertId()
}

func insertSummaryTx(ctx context.Context, tx *sql.Tx, sum *models.SessionSummary) (int64, error) {
	if sum.CreatedAtEpoch == 0 {
		sum.CreatedAtEpoch = nowEpoch()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_summaries (
			memory_session_id, project, request, investigated, learned,
			completed, next_steps, notes, created_at_epoch, agent, department, visibility
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.MemorySessionID, sum.Project, nullable(sum.Request), nullable(sum.Investigated),
		nullable(sum.Learned), nullable(sum.Completed), nullable(sum.NextSteps),
		nullable(sum.Notes), sum.CreatedAtEpoch, sum.Agent, sum.Department, string(sum.Visibility))
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", mapConstraintError(err))
	}
	return res.LastInsertId()
}

// ObservationFilter narrows observation queries. Zero values mean "no
// constraint". Projects is the alias-expanded project set; Viewer gates
// visibility (nil viewer sees public and project tiers only).
type ObservationFilter struct {
	Projects      []string
	IDs           []int64
	Types         []models.ObservationType
	Concepts      []string
	FileSubstring string
	FromEpoch     int64
	ToEpoch       int64
	Viewer        *models.Agent
	Limit         int
	NewestFirst   bool
}

// QueryObservations applies the filter and returns matching rows.
func (s *Store) QueryObservations(ctx context.Context, f ObservationFilter) ([]*models.Observation, error) {
	query, args := buildObservationQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetObservation fetches one observation by id without visibility gating.
func (s *Store) GetObservation(ctx context.Context, id int64) (*models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, observationColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get observation: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanObservation(rows)
}

// RecentObservations returns the newest observations for a project set.
func (s *Store) RecentObservations(ctx context.Context, projects []string, limit int) ([]*models.Observation, error) {
	return s.QueryObservations(ctx, ObservationFilter{
		Projects:    projects,
		Limit:       limit,
		NewestFirst: true,
	})
}

// ObservationIDsForProject lists ids for a project set, used by the vector
// backfill diff.
func (s *Store) ObservationIDsForProject(ctx context.Context, project string) ([]int64, error) {
	return s.idsForProject(ctx, "observations", project)
}

// SummaryIDsForProject lists summary ids for a project.
func (s *Store) SummaryIDsForProject(ctx context.Context, project string) ([]int64, error) {
	return s.idsForProject(ctx, "session_summaries", project)
}

// PromptIDsForProject lists user prompt ids for a project (via sessions).
func (s *Store) PromptIDsForProject(ctx context.Context, project string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT up.id FROM user_prompts up
		 JOIN sessions se ON se.content_session_id = up.content_session_id
		 WHERE se.project = ?`, project)
	if err != nil {
		return nil, fmt.Errorf("prompt ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *Store) idsForProject(ctx context.Context, table, project string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE project = ?`, project)
	if err != nil {
		return nil, fmt.Errorf("%s ids: %w", table, err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetObservationsByIDs fetches observations by id preserving the input order.
func (s *Store) GetObservationsByIDs(ctx context.Context, ids []int64) ([]*models.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		observationColumns+` WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.Observation, len(ids))
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		byID[o.ID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Observation, 0, len(ids))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// QuerySummaries returns summaries for a project set, newest first, honoring
// viewer visibility.
func (s *Store) QuerySummaries(ctx context.Context, projects []string, viewer *models.Agent, limit int) ([]*models.SessionSummary, error) {
	var sb strings.Builder
	sb.WriteString(summaryColumns)
	args := []any{}
	where := []string{}

	if len(projects) > 0 {
		where = append(where, "project IN ("+placeholders(len(projects))+")")
		for _, p := range projects {
			args = append(args, p)
		}
	}
	clause, visArgs := visibilityClause(viewer)
	where = append(where, clause)
	args = append(args, visArgs...)

	sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	sb.WriteString(" ORDER BY created_at_epoch DESC")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SummariesBetween returns summaries within an epoch window, oldest first.
func (s *Store) SummariesBetween(ctx context.Context, projects []string, viewer *models.Agent, fromEpoch, toEpoch int64) ([]*models.SessionSummary, error) {
	args := []any{fromEpoch, toEpoch}
	query := summaryColumns + ` WHERE created_at_epoch >= ? AND created_at_epoch <= ?`
	if len(projects) > 0 {
		query += ` AND project IN (` + placeholders(len(projects)) + `)`
		for _, p := range projects {
			args = append(args, p)
		}
	}
	clause, visArgs := visibilityClause(viewer)
	query += ` AND ` + clause
	args = append(args, visArgs...)
	query += ` ORDER BY created_at_epoch ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// visibilityClause builds the SQL predicate for the four-tier visibility
// model. Public and project rows are always visible; department rows require
// a department match; private rows require the viewing agent itself.
func visibilityClause(viewer *models.Agent) (string, []any) {
	if viewer == nil {
		return `visibility IN ('public', 'project')`, nil
	}
	return `(visibility IN ('public', 'project')
		OR (visibility = 'department' AND department = ?)
		OR (visibility = 'private' AND agent = ?))`,
		[]any{viewer.Department, viewer.ID}
}

func buildObservationQuery(f ObservationFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(observationColumns)
	where := []string{}
	args := []any{}

	if len(f.Projects) > 0 {
		where = append(where, "project IN ("+placeholders(len(f.Projects))+")")
		for _, p := range f.Projects {
			args = append(args, p)
		}
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	for _, c := range f.Concepts {
		// Concepts are stored as a JSON array; membership is a substring
		// match on the quoted element.
		where = append(where, "concepts LIKE ?")
		args = append(args, `%"`+c+`"%`)
	}
	if f.FileSubstring != "" {
		where = append(where, "(files_read LIKE ? OR files_modified LIKE ?)")
		pat := "%" + f.FileSubstring + "%"
		args = append(args, pat, pat)
	}
	if f.FromEpoch > 0 {
		where = append(where, "created_at_epoch >= ?")
		args = append(args, f.FromEpoch)
	}
	if f.ToEpoch > 0 {
		where = append(where, "created_at_epoch <= ?")
		args = append(args, f.ToEpoch)
	}

	clause, visArgs := visibilityClause(f.Viewer)
	where = append(where, clause)
	args = append(args, visArgs...)

	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if f.NewestFirst {
		sb.WriteString(" ORDER BY created_at_epoch DESC, id DESC")
	} else {
		sb.WriteString(" ORDER BY created_at_epoch ASC, id ASC")
	}
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return sb.String(), args
}

const observationColumns = `SELECT id, memory_session_id, project, type, title, subtitle,
	narrative, text, facts, concepts, files_read, files_modified, prompt_number,
	discovery_tokens, created_at_epoch, bead_id, agent, department, visibility
	FROM observations`

func scanObservation(rows *sql.Rows) (*models.Observation, error) {
	var (
		o                            models.Observation
		subtitle, narrative, text    sql.NullString
		facts, concepts, fRead, fMod sql.NullString
		promptNumber                 sql.NullInt64
		beadID                       sql.NullString
	)
	err := rows.Scan(&o.ID, &o.MemorySessionID, &o.Project, &o.Type, &o.Title, &subtitle,
		&narrative, &text, &facts, &concepts, &fRead, &fMod, &promptNumber,
		&o.DiscoveryTokens, &o.CreatedAtEpoch, &beadID, &o.Agent, &o.Department, &o.Visibility)
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}
	o.Subtitle = subtitle.String
	o.Narrative = narrative.String
	o.Text = text.String
	o.Facts = unmarshalStrings(facts.String)
	o.Concepts = unmarshalStrings(concepts.String)
	o.FilesRead = unmarshalStrings(fRead.String)
	o.FilesModified = unmarshalStrings(fMod.String)
	o.PromptNumber = int(promptNumber.Int64)
	o.BeadID = beadID.String
	return &o, nil
}

const summaryColumns = `SELECT id, memory_session_id, project, request, investigated, learned,
	completed, next_steps, notes, created_at_epoch, agent, department, visibility
	FROM session_summaries`

func scanSummary(rows *sql.Rows) (*models.SessionSummary, error) {
	var (
		sum                            models.SessionSummary
		request, investigated, learned sql.NullString
		completed, nextSteps, notes    sql.NullString
	)
	err := rows.Scan(&sum.ID, &sum.MemorySessionID, &sum.Project, &request, &investigated,
		&learned, &completed, &nextSteps, &notes, &sum.CreatedAtEpoch,
		&sum.Agent, &sum.Department, &sum.Visibility)
	if err != nil {
		return nil, fmt.Errorf("scan summary: %w", err)
	}
	sum.Request = request.String
	sum.Investigated = investigated.String
	sum.Learned = learned.String
	sum.Completed = completed.String
	sum.NextSteps = nextSteps.String
	sum.Notes = notes.String
	return &sum, nil
}

// GetSummariesByIDs fetches summaries by id, in input order; missing ids are
// skipped.
func (s *Store) GetSummariesByIDs(ctx context.Context, ids []int64) ([]*models.SessionSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		summaryColumns+` WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get summaries: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.SessionSummary, len(ids))
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		byID[sum.ID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.SessionSummary, 0, len(ids))
	for _, id := range ids {
		if sum, ok := byID[id]; ok {
			out = append(out, sum)
		}
	}
	return out, nil
}

// GetSummary fetches one summary by id.
func (s *Store) GetSummary(ctx context.Context, id int64) (*models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, summaryColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanSummary(rows)
}

// marshalStrings stores a string slice as a JSON array, NULL when empty.
func marshalStrings(values []string) any {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

// unmarshalStrings is tolerant of NULL and malformed legacy values.
func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
