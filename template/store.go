package template

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/db"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

// InitialVersion is the version of a newly created template.
const InitialVersion = "1.0.0"

const templateColumns = `id, name, description, processing_type,
	system_prompt, user_prompt, examples, variables, extraction_schema, output_format,
	default_provider, default_model, model_config, pre_processing_rules, post_processing_rules,
	supported_file_types, max_file_size, required_knowledge_types, confidence_threshold,
	is_active, is_default, organization_id,
	usage_count, success_count, success_rate, average_cost, average_processing_ms,
	allowed_roles, allowed_users, version, changelog, source_file,
	created_by, created_at, updated_at`

// Statuses of jobs that still hold a template. Mirrors pulse/async.
var activeJobStatuses = []string{"pending", "queued", "processing", "retrying"}

// Store persists templates in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a template store
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: log.Named("templates"), now: time.Now}
}

// Filter narrows List.
type Filter struct {
	ProcessingType  ProcessingType
	OrganizationID  string // global templates plus this organization's
	IncludeInactive bool
	Limit           int
}

// UpdateOptions controls how Update moves the version forward.
type UpdateOptions struct {
	Bump    string // major, minor or patch (default)
	Version string // explicit next version, must be greater than the current one
	Note    string
	Actor   string
}

// Outcome is one finished job, fed back into the template metrics.
type Outcome struct {
	Success      bool
	Cost         float64
	ProcessingMs int64
}

// Create stores a new active template at InitialVersion unless a version is given.
func (s *Store) Create(ctx context.Context, t *Template) (*Template, error) {
	tpl := *t
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if tpl.Version == "" {
		tpl.Version = InitialVersion
	}
	tpl.IsActive = true
	tpl.UsageCount, tpl.SuccessCount = 0, 0
	tpl.SuccessRate, tpl.AverageCost, tpl.AverageProcessingMs = 0, 0, 0

	if err := tpl.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	if len(tpl.Changelog) == 0 {
		tpl.Changelog = []ChangelogEntry{{Version: tpl.Version, Note: "created", By: tpl.CreatedBy, At: now}}
	}

	args, err := templateArgs(&tpl)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if tpl.IsDefault {
		if err := clearDefault(ctx, tx, tpl.ProcessingType, tpl.ID); err != nil {
			return nil, err
		}
	}

	query := `INSERT INTO templates (` + templateColumns + `) VALUES (` + placeholders(35) + `)`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, errors.NewConflictError("template from %s already exists", tpl.SourceFile)
		}
		return nil, errors.Wrap(err, "failed to create template")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit template")
	}

	s.logger.Infow("Template created",
		logger.FieldTemplateID, tpl.ID,
		"name", tpl.Name,
		"processing_type", tpl.ProcessingType,
		"version", tpl.Version,
		"post_rules", describeRules(tpl.PostProcessingRules))
	return &tpl, nil
}

// Get returns an active template. Missing and inactive templates are both NotFound.
func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	tpl, err := s.find(ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if tpl == nil || !tpl.IsActive {
		return nil, errors.NewNotFoundError("template %s not found or inactive", id)
	}
	return tpl, nil
}

// GetBySourceFile returns the template imported from path, active or not.
// Returns nil, nil when no template came from that file.
func (s *Store) GetBySourceFile(ctx context.Context, path string) (*Template, error) {
	return s.find(ctx, s.db, "source_file = ?", path)
}

// List returns templates, defaults first and then by name.
func (s *Store) List(ctx context.Context, f Filter) ([]*Template, error) {
	var (
		where []string
		args  []any
	)
	if f.ProcessingType != "" {
		where = append(where, "processing_type = ?")
		args = append(args, string(f.ProcessingType))
	}
	if !f.IncludeInactive {
		where = append(where, "is_active = 1")
	}
	if f.OrganizationID != "" {
		where = append(where, "(organization_id IS NULL OR organization_id = ?)")
		args = append(args, f.OrganizationID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + templateColumns + ` FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY is_default DESC, name ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list templates")
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// Update replaces the editable fields of t.ID and moves the version forward.
// Identity, usage metrics and the active flag are kept from the stored row.
func (s *Store) Update(ctx context.Context, t *Template, opts UpdateOptions) (*Template, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	current, err := s.find(ctx, tx, "id = ?", t.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errors.NewNotFoundError("template %s not found", t.ID)
	}

	explicit := opts.Version
	if explicit == "" && t.Version != "" && t.Version != current.Version {
		explicit = t.Version
	}
	next, err := nextVersion(current.Version, explicit, opts.Bump)
	if err != nil {
		return nil, err
	}

	tpl := *t
	tpl.ID = current.ID
	tpl.CreatedAt = current.CreatedAt
	tpl.CreatedBy = current.CreatedBy
	tpl.IsActive = current.IsActive
	tpl.UsageCount = current.UsageCount
	tpl.SuccessCount = current.SuccessCount
	tpl.SuccessRate = current.SuccessRate
	tpl.AverageCost = current.AverageCost
	tpl.AverageProcessingMs = current.AverageProcessingMs
	tpl.Version = next
	tpl.UpdatedAt = s.now().UTC()
	tpl.Changelog = append(append([]ChangelogEntry(nil), current.Changelog...),
		ChangelogEntry{Version: next, Note: opts.Note, By: opts.Actor, At: tpl.UpdatedAt})

	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	if tpl.IsDefault {
		if err := clearDefault(ctx, tx, tpl.ProcessingType, tpl.ID); err != nil {
			return nil, err
		}
	}

	args, err := templateArgs(&tpl)
	if err != nil {
		return nil, err
	}
	// args[0] is the id; SET the rest and match on it
	cols := strings.Split(templateColumns, ",")
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, strings.TrimSpace(c)+" = ?")
	}
	query := `UPDATE templates SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, append(args[1:], tpl.ID)...); err != nil {
		return nil, errors.Wrapf(err, "failed to update template %s", tpl.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit template update")
	}

	s.logger.Infow("Template updated",
		logger.FieldTemplateID, tpl.ID,
		"from", current.Version,
		"to", next)
	return &tpl, nil
}

// Deactivate soft-deletes a template. Jobs already holding it keep working.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	if err := s.setActive(ctx, id, false); err != nil {
		return err
	}
	s.logger.Infow("Template deactivated", logger.FieldTemplateID, id)
	return nil
}

func (s *Store) setActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET is_active = ?, updated_at = ? WHERE id = ?`, active, s.now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update template %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("template %s not found", id)
	}
	return nil
}

// Delete removes a template that no unfinished job references.
func (s *Store) Delete(ctx context.Context, id string) error {
	var inUse int
	query := `SELECT COUNT(*) FROM jobs WHERE template_id = ? AND status IN (` + placeholders(len(activeJobStatuses)) + `)`
	args := []any{id}
	for _, st := range activeJobStatuses {
		args = append(args, st)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&inUse); err != nil {
		return errors.Wrap(err, "failed to check template usage")
	}
	if inUse > 0 {
		return errors.WithHint(
			errors.NewConflictError("template %s is used by %d unfinished jobs", id, inUse),
			"deactivate the template instead")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete template %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("template %s not found", id)
	}
	return nil
}

// RecordCompletion folds one finished job into the usage counters and
// rolling averages. Failures count as usage but not as success.
func (s *Store) RecordCompletion(ctx context.Context, id string, o Outcome) error {
	success := 0
	if o.Success {
		success = 1
	}
	// SQLite evaluates every SET expression against the old row
	query := `
		UPDATE templates SET
			usage_count = usage_count + 1,
			success_count = success_count + ?,
			success_rate = CAST(success_count + ? AS REAL) / (usage_count + 1),
			average_cost = (average_cost * usage_count + ?) / (usage_count + 1),
			average_processing_ms = (average_processing_ms * usage_count + ?) / (usage_count + 1),
			updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, success, success, o.Cost, float64(o.ProcessingMs), s.now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to record completion for template %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("template %s not found", id)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) find(ctx context.Context, q queryer, where string, arg any) (*Template, error) {
	row := q.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE `+where, arg)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tpl, err
}

func clearDefault(ctx context.Context, tx *sql.Tx, pt ProcessingType, keep string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE templates SET is_default = 0 WHERE processing_type = ? AND is_default = 1 AND id != ?`,
		string(pt), keep)
	return errors.Wrap(err, "failed to clear previous default template")
}

func nextVersion(current, explicit, bump string) (string, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return "", errors.Wrapf(err, "stored template version %q is invalid", current)
	}
	if explicit != "" {
		want, err := semver.StrictNewVersion(explicit)
		if err != nil {
			return "", errors.NewValidationError("invalid template version %q: %v", explicit, err)
		}
		if !want.GreaterThan(cur) {
			return "", errors.NewConflictError("template version %s is not newer than %s", explicit, current)
		}
		return want.String(), nil
	}
	var next semver.Version
	switch bump {
	case "major":
		next = cur.IncMajor()
	case "minor":
		next = cur.IncMinor()
	case "", "patch":
		next = cur.IncPatch()
	default:
		return "", errors.NewValidationError("unknown version bump %q (valid: major, minor, patch)", bump)
	}
	return next.String(), nil
}

func templateArgs(t *Template) ([]any, error) {
	var (
		cols [10]sql.NullString
		err  error
	)
	values := []any{t.Examples, t.Variables, t.ExtractionSchema, t.PreProcessingRules, t.PostProcessingRules,
		t.SupportedFileTypes, t.RequiredKnowledgeTypes, t.AllowedRoles, t.AllowedUsers, t.Changelog}
	for i, v := range values {
		if cols[i], err = db.JSON(v); err != nil {
			return nil, errors.Wrapf(err, "template %s", t.Name)
		}
	}
	modelConfig, err := db.JSON(&t.ModelConfig)
	if err != nil {
		return nil, err
	}
	var threshold sql.NullFloat64
	if t.ConfidenceThreshold != nil {
		threshold = sql.NullFloat64{Float64: *t.ConfidenceThreshold, Valid: true}
	}

	return []any{
		t.ID, t.Name, t.Description, string(t.ProcessingType),
		t.SystemPrompt, t.UserPrompt, cols[0], cols[1], cols[2], t.OutputFormat,
		t.DefaultProvider, t.DefaultModel, modelConfig, cols[3], cols[4],
		cols[5], t.MaxFileSize, cols[6], threshold,
		t.IsActive, t.IsDefault, db.NullString(t.OrganizationID),
		t.UsageCount, t.SuccessCount, t.SuccessRate, t.AverageCost, t.AverageProcessingMs,
		cols[7], cols[8], t.Version, cols[9], db.NullString(t.SourceFile),
		t.CreatedBy, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	}, nil
}

func scanTemplate(row db.Scanner) (*Template, error) {
	var (
		t              Template
		processingType string
		maxFileSize    sql.NullInt64
		threshold      sql.NullFloat64

		examples, variables, schema, modelConfig, pre, post sql.NullString
		fileTypes, knowledgeTypes, roles, users, changelog  sql.NullString
		orgID, sourceFile, description, createdBy           sql.NullString
		systemPrompt, userPrompt, outputFormat, defProvider sql.NullString
		defModel                                            sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Name, &description, &processingType,
		&systemPrompt, &userPrompt, &examples, &variables, &schema, &outputFormat,
		&defProvider, &defModel, &modelConfig, &pre, &post,
		&fileTypes, &maxFileSize, &knowledgeTypes, &threshold,
		&t.IsActive, &t.IsDefault, &orgID,
		&t.UsageCount, &t.SuccessCount, &t.SuccessRate, &t.AverageCost, &t.AverageProcessingMs,
		&roles, &users, &t.Version, &changelog, &sourceFile,
		&createdBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan template")
	}

	t.ProcessingType = ProcessingType(processingType)
	t.Description = description.String
	t.SystemPrompt = systemPrompt.String
	t.UserPrompt = userPrompt.String
	t.OutputFormat = outputFormat.String
	t.DefaultProvider = defProvider.String
	t.DefaultModel = defModel.String
	t.MaxFileSize = maxFileSize.Int64
	t.OrganizationID = orgID.String
	t.SourceFile = sourceFile.String
	t.CreatedBy = createdBy.String
	if threshold.Valid {
		v := threshold.Float64
		t.ConfidenceThreshold = &v
	}

	decode := []struct {
		src sql.NullString
		dst any
	}{
		{examples, &t.Examples}, {variables, &t.Variables}, {schema, &t.ExtractionSchema},
		{modelConfig, &t.ModelConfig}, {pre, &t.PreProcessingRules}, {post, &t.PostProcessingRules},
		{fileTypes, &t.SupportedFileTypes}, {knowledgeTypes, &t.RequiredKnowledgeTypes},
		{roles, &t.AllowedRoles}, {users, &t.AllowedUsers}, {changelog, &t.Changelog},
	}
	for _, d := range decode {
		if err := db.ScanJSON(d.src, d.dst); err != nil {
			return nil, errors.Wrapf(err, "template %s", t.ID)
		}
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
