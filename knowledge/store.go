package knowledge

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/db"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

// DefaultResolveLimit caps how many entries a template's knowledge types pull in.
const DefaultResolveLimit = 10

const entryColumns = `id, title, type, source, content, structured_data, categories, keywords, language,
	organization_id, is_public, priority, confidence_score, expires_at, is_active,
	usage_count, last_used_at, embedding, embedding_model,
	chain_id, version, previous_version_id, is_latest_version,
	is_verified, verified_by, verified_at, review_history,
	created_by, created_at, updated_at`

const entryColumnCount = 30

// Embedder turns texts into vectors. provider adapters with embeddings
// support satisfy it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Store persists knowledge entries in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time

	embedder       Embedder
	embeddingModel string
}

// NewStore creates a knowledge store
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: log.Named("knowledge"), now: time.Now}
}

// SetEmbedder enables embeddings on create and semantic re-ranking in Search.
func (s *Store) SetEmbedder(e Embedder, model string) {
	s.embedder = e
	s.embeddingModel = model
}

// Filter narrows Search.
type Filter struct {
	Types          []Type
	OrganizationID string // this organization's entries plus public ones
	Limit          int
	Semantic       bool // re-rank matches by embedding similarity to the query
}

// Request describes the knowledge a job needs.
type Request struct {
	EntryIDs       []string
	Types          []string
	OrganizationID string
	Limit          int
}

// Create stores a new entry as version 1 of its own chain.
func (s *Store) Create(ctx context.Context, e *Entry) (*Entry, error) {
	entry := *e
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Source == "" {
		entry.Source = SourceManual
	}
	entry.ChainID = entry.ID
	entry.Version = 1
	entry.PreviousVersionID = ""
	entry.IsLatestVersion = true
	entry.IsActive = true
	entry.UsageCount = 0
	entry.LastUsedAt = nil

	if err := entry.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now
	s.embed(ctx, &entry)

	if err := insertEntry(ctx, s.db, &entry); err != nil {
		return nil, err
	}
	s.logger.Infow("Knowledge entry created",
		logger.FieldKnowledgeID, entry.ID,
		"type", entry.Type,
		"title", entry.Title)
	return &entry, nil
}

// Get returns an entry by ID regardless of state.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM knowledge_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("knowledge entry %s not found", id)
	}
	return e, err
}

// Search returns active, unexpired latest entries that match the filters.
// A non-empty query matches title, content or keywords case-insensitively.
// Results are ordered by priority, then confidence, both descending.
func (s *Store) Search(ctx context.Context, query string, f Filter) ([]*Entry, error) {
	where := []string{"is_active = 1", "is_latest_version = 1", "(expires_at IS NULL OR expires_at > ?)"}
	args := []any{s.now().UTC()}

	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(ph, ", ")+")")
	}
	scope, scopeArgs := scopeClause(f.OrganizationID)
	where = append(where, scope)
	args = append(args, scopeArgs...)
	if q := strings.TrimSpace(query); q != "" {
		like := "%" + escapeLike(q) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\' OR keywords LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	sqlQuery := `SELECT ` + entryColumns + ` FROM knowledge_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY priority DESC, confidence_score DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	entries, err := s.query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search knowledge")
	}

	if f.Semantic && strings.TrimSpace(query) != "" && s.embedder != nil {
		s.rerank(ctx, query, entries)
	}
	return entries, nil
}

// ResolveForJob returns the knowledge a job asked for: the listed entries
// when IDs are given, else the latest entries of the requested types, else
// nothing. Returned entries have their usage counters bumped.
func (s *Store) ResolveForJob(ctx context.Context, req Request) ([]*Entry, error) {
	var (
		entries []*Entry
		err     error
	)
	switch {
	case len(req.EntryIDs) > 0:
		entries, err = s.byIDs(ctx, req.EntryIDs, req.OrganizationID)
	case len(req.Types) > 0:
		types := make([]Type, 0, len(req.Types))
		for _, raw := range req.Types {
			t, perr := ParseType(raw)
			if perr != nil {
				return nil, perr
			}
			types = append(types, t)
		}
		limit := req.Limit
		if limit <= 0 {
			limit = DefaultResolveLimit
		}
		entries, err = s.Search(ctx, "", Filter{Types: types, OrganizationID: req.OrganizationID, Limit: limit})
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.markUsed(ctx, entries); err != nil {
		// counters are bookkeeping; the job still gets its knowledge
		s.logger.Warnw("Failed to update knowledge usage", logger.FieldError, err)
	}
	return entries, nil
}

// CreateVersion stores e as the next version of prevID's chain. The
// predecessor loses the latest flag and is deactivated in the same
// transaction.
func (s *Store) CreateVersion(ctx context.Context, prevID string, e *Entry) (*Entry, error) {
	entry := *e
	entry.Embedding, entry.EmbeddingModel = nil, ""
	s.embed(ctx, &entry)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	prev, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM knowledge_entries WHERE id = ?`, prevID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("knowledge entry %s not found", prevID)
	}
	if err != nil {
		return nil, err
	}
	if !prev.IsLatestVersion {
		return nil, errors.NewConflictError("knowledge entry %s is not the latest version of its chain", prevID)
	}

	entry.ID = uuid.NewString()
	if entry.Source == "" {
		entry.Source = prev.Source
	}
	entry.ChainID = prev.ChainID
	entry.Version = prev.Version + 1
	entry.PreviousVersionID = prev.ID
	entry.IsLatestVersion = true
	entry.IsActive = true
	entry.UsageCount = 0
	entry.LastUsedAt = nil
	entry.IsVerified, entry.VerifiedBy, entry.VerifiedAt = false, "", nil
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now
	entry.ReviewHistory = nil

	history := append(prev.ReviewHistory, ReviewAction{Action: "superseded", By: entry.CreatedBy, Notes: "by " + entry.ID, At: now})
	historyCol, err := db.JSON(history)
	if err != nil {
		return nil, err
	}
	// clear the latest flag first: the chain may hold only one
	if _, err := tx.ExecContext(ctx,
		`UPDATE knowledge_entries SET is_latest_version = 0, is_active = 0, review_history = ?, updated_at = ? WHERE id = ?`,
		historyCol, now, prev.ID); err != nil {
		return nil, errors.Wrap(err, "failed to supersede knowledge entry")
	}
	if err := insertEntry(ctx, tx, &entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit knowledge version")
	}

	s.logger.Infow("Knowledge entry versioned",
		logger.FieldKnowledgeID, entry.ID,
		"chain", entry.ChainID,
		"version", entry.Version)
	return &entry, nil
}

// Versions returns every version in the chain of id, oldest first.
func (s *Store) Versions(ctx context.Context, id string) ([]*Entry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM knowledge_entries
		WHERE chain_id = (SELECT chain_id FROM knowledge_entries WHERE id = ?)
		ORDER BY version ASC`, id)
}

// Verify marks an entry as verified and appends the review to its history.
func (s *Store) Verify(ctx context.Context, id, verifier, notes string) (*Entry, error) {
	return s.review(ctx, id, ReviewAction{Action: "verified", By: verifier, Notes: notes}, func(e *Entry, at time.Time) {
		e.IsVerified = true
		e.VerifiedBy = verifier
		e.VerifiedAt = &at
	})
}

// Deactivate removes an entry from retrieval without deleting it.
func (s *Store) Deactivate(ctx context.Context, id, by string) error {
	_, err := s.review(ctx, id, ReviewAction{Action: "deactivated", By: by}, func(e *Entry, _ time.Time) {
		e.IsActive = false
	})
	return err
}

func (s *Store) review(ctx context.Context, id string, action ReviewAction, apply func(*Entry, time.Time)) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM knowledge_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("knowledge entry %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	action.At = now
	apply(e, now)
	e.ReviewHistory = append(e.ReviewHistory, action)
	e.UpdatedAt = now

	historyCol, err := db.JSON(e.ReviewHistory)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE knowledge_entries
		SET is_active = ?, is_verified = ?, verified_by = ?, verified_at = ?, review_history = ?, updated_at = ?
		WHERE id = ?`,
		e.IsActive, e.IsVerified, db.NullString(e.VerifiedBy), db.NullTime(e.VerifiedAt), historyCol, now, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record %s on knowledge entry %s", action.Action, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit knowledge review")
	}
	return e, nil
}

// scopeClause restricts rows to what org may read: public entries, entries
// without an owner and, for a non-empty org, its own private entries.
func scopeClause(org string) (string, []any) {
	if org == "" {
		return "(is_public = 1 OR organization_id IS NULL)", nil
	}
	return "(is_public = 1 OR organization_id IS NULL OR organization_id = ?)", []any{org}
}

// byIDs loads the listed entries visible to org. IDs outside its scope are
// skipped like missing ones.
func (s *Store) byIDs(ctx context.Context, ids []string, org string) ([]*Entry, error) {
	ph := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, s.now().UTC())
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	scope, scopeArgs := scopeClause(org)
	args = append(args, scopeArgs...)
	found, err := s.query(ctx, `SELECT `+entryColumns+` FROM knowledge_entries
		WHERE is_active = 1 AND (expires_at IS NULL OR expires_at > ?) AND id IN (`+strings.Join(ph, ", ")+`)
		AND `+scope, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load knowledge entries")
	}

	// keep the order the job listed them in
	byID := make(map[string]*Entry, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	entries := make([]*Entry, 0, len(found))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok && !seen[id] {
			entries = append(entries, e)
			seen[id] = true
		}
	}
	return entries, nil
}

func (s *Store) markUsed(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now().UTC()
	ph := make([]string, len(entries))
	args := []any{now}
	for i, e := range entries {
		ph[i] = "?"
		args = append(args, e.ID)
		e.UsageCount++
		e.LastUsedAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_entries SET usage_count = usage_count + 1, last_used_at = ? WHERE id IN (`+strings.Join(ph, ", ")+`)`,
		args...)
	return errors.Wrap(err, "failed to bump knowledge usage")
}

func (s *Store) embed(ctx context.Context, e *Entry) {
	if s.embedder == nil || len(e.Embedding) > 0 {
		return
	}
	vectors, err := s.embedder.Embed(ctx, []string{e.Title + "\n" + e.Content})
	if err != nil || len(vectors) == 0 {
		s.logger.Warnw("Embedding failed, storing entry without vector",
			"title", e.Title,
			logger.FieldError, err)
		return
	}
	e.Embedding = vectors[0]
	e.EmbeddingModel = s.embeddingModel
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, x execer, e *Entry) error {
	var cols [5]sql.NullString
	for i, v := range []any{e.StructuredData, e.Categories, e.Keywords, e.Embedding, e.ReviewHistory} {
		c, err := db.JSON(v)
		if err != nil {
			return errors.Wrapf(err, "knowledge entry %q", e.Title)
		}
		cols[i] = c
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", entryColumnCount), ", ")
	_, err := x.ExecContext(ctx, `INSERT INTO knowledge_entries (`+entryColumns+`) VALUES (`+placeholders+`)`,
		e.ID, e.Title, string(e.Type), string(e.Source), e.Content, cols[0], cols[1], cols[2], db.NullString(e.Language),
		db.NullString(e.OrganizationID), e.IsPublic, e.Priority, e.ConfidenceScore, db.NullTime(e.ExpiresAt), e.IsActive,
		e.UsageCount, db.NullTime(e.LastUsedAt), cols[3], db.NullString(e.EmbeddingModel),
		e.ChainID, e.Version, db.NullString(e.PreviousVersionID), e.IsLatestVersion,
		e.IsVerified, db.NullString(e.VerifiedBy), db.NullTime(e.VerifiedAt), cols[4],
		db.NullString(e.CreatedBy), e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert knowledge entry %q", e.Title)
	}
	return nil
}

func scanEntry(row db.Scanner) (*Entry, error) {
	var (
		e           Entry
		typ, source string

		structured, categories, keywords  sql.NullString
		embedding, history                sql.NullString
		language, orgID, embeddingModel   sql.NullString
		previousID, verifiedBy, createdBy sql.NullString
		expiresAt, lastUsedAt, verifiedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.Title, &typ, &source, &e.Content, &structured, &categories, &keywords, &language,
		&orgID, &e.IsPublic, &e.Priority, &e.ConfidenceScore, &expiresAt, &e.IsActive,
		&e.UsageCount, &lastUsedAt, &embedding, &embeddingModel,
		&e.ChainID, &e.Version, &previousID, &e.IsLatestVersion,
		&e.IsVerified, &verifiedBy, &verifiedAt, &history,
		&createdBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan knowledge entry")
	}

	e.Type, e.Source = Type(typ), Source(source)
	e.Language, e.OrganizationID, e.EmbeddingModel = language.String, orgID.String, embeddingModel.String
	e.PreviousVersionID, e.VerifiedBy, e.CreatedBy = previousID.String, verifiedBy.String, createdBy.String
	e.ExpiresAt, e.LastUsedAt, e.VerifiedAt = db.TimePtr(expiresAt), db.TimePtr(lastUsedAt), db.TimePtr(verifiedAt)

	for _, d := range []struct {
		src sql.NullString
		dst any
	}{
		{structured, &e.StructuredData}, {categories, &e.Categories}, {keywords, &e.Keywords},
		{embedding, &e.Embedding}, {history, &e.ReviewHistory},
	} {
		if err := db.ScanJSON(d.src, d.dst); err != nil {
			return nil, errors.Wrapf(err, "knowledge entry %s", e.ID)
		}
	}
	return &e, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
