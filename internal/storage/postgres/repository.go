// Package postgres provides the Postgres-backed inspection.Repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// Repository implements inspection.Repository on Postgres.
type Repository struct {
	pool pool
	sb   sq.StatementBuilderType
}

var _ inspection.Repository = (*Repository)(nil)

// NewPool opens a pgx pool using the provided config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// NewRepositoryWithPool constructs a repository from an existing pool (pgxpool or pgxmock).
func NewRepositoryWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{
		pool: p,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases the underlying pool.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

func (r *Repository) exec(ctx context.Context, b sq.Sqlizer) (pgconn.CommandTag, error) {
	return execOn(ctx, r.pool, b)
}

func execOn(ctx context.Context, e execer, b sq.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("build query: %w", err)
	}
	return e.Exec(ctx, query, args...)
}

func (r *Repository) queryRow(ctx context.Context, b sq.Sqlizer) (pgx.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.pool.QueryRow(ctx, query, args...), nil
}

func (r *Repository) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.pool.Query(ctx, query, args...)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, inspection.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

var collectionColumns = []string{
	"id", "source_url", "collected_at", "inspection_status", "passed_count",
	"banner_count", "css_key", "current_job_id", "lease_expires_at",
}

func (r *Repository) insertCollection(c inspection.Collection) sq.InsertBuilder {
	return r.sb.Insert("collections").
		Columns(collectionColumns...).
		Values(
			c.ID, c.SourceURL, c.CollectedAt, string(c.InspectionStatus), c.PassedCount,
			c.BannerCount, c.CSSKey, c.CurrentJobID, c.LeaseExpiresAt,
		)
}

// CreateCollection inserts a collection row.
func (r *Repository) CreateCollection(ctx context.Context, c inspection.Collection) error {
	if _, err := r.exec(ctx, r.insertCollection(c)); err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

// SaveCollection inserts a collection and its banners in one transaction.
func (r *Repository) SaveCollection(
	ctx context.Context,
	c inspection.Collection,
	banners []inspection.Banner,
) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin collection tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = execOn(ctx, tx, r.insertCollection(c)); err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	if len(banners) > 0 {
		if _, err = execOn(ctx, tx, r.insertBanners(banners)); err != nil {
			return fmt.Errorf("insert banners: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit collection tx: %w", err)
	}
	return nil
}

// GetCollection loads a collection by ID.
func (r *Repository) GetCollection(ctx context.Context, id string) (inspection.Collection, error) {
	row, err := r.queryRow(ctx, r.sb.Select(collectionColumns...).From("collections").Where(sq.Eq{"id": id}))
	if err != nil {
		return inspection.Collection{}, err
	}
	var (
		c      inspection.Collection
		status string
	)
	if err := row.Scan(
		&c.ID, &c.SourceURL, &c.CollectedAt, &status, &c.PassedCount,
		&c.BannerCount, &c.CSSKey, &c.CurrentJobID, &c.LeaseExpiresAt,
	); err != nil {
		return inspection.Collection{}, notFound(err, "collection "+id)
	}
	c.InspectionStatus = inspection.CollectionStatus(status)
	return c, nil
}

// AcquireLease sets current_job_id when the collection is free or its lease expired.
func (r *Repository) AcquireLease(
	ctx context.Context,
	collectionID, jobID string,
	now, expiresAt time.Time,
) (bool, error) {
	tag, err := r.exec(ctx, r.sb.Update("collections").
		Set("current_job_id", jobID).
		Set("lease_expires_at", expiresAt).
		Where(sq.Eq{"id": collectionID}).
		Where(sq.Or{
			sq.Eq{"current_job_id": nil},
			sq.Lt{"lease_expires_at": now},
		}))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetCollection(ctx, collectionID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseLease clears the lease when jobID still holds it.
func (r *Repository) ReleaseLease(ctx context.Context, collectionID, jobID string) error {
	_, err := r.exec(ctx, r.sb.Update("collections").
		Set("current_job_id", nil).
		Set("lease_expires_at", nil).
		Where(sq.Eq{"id": collectionID, "current_job_id": jobID}))
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// UpdateSummary writes the aggregate fields and releases the lease held by jobID.
// A lease taken over by a newer job is left alone.
func (r *Repository) UpdateSummary(
	ctx context.Context,
	collectionID, jobID string,
	status inspection.CollectionStatus,
	passed int,
) error {
	tag, err := r.exec(ctx, r.sb.Update("collections").
		Set("inspection_status", string(status)).
		Set("passed_count", passed).
		Set("current_job_id", sq.Expr("CASE WHEN current_job_id = ? THEN NULL ELSE current_job_id END", jobID)).
		Set("lease_expires_at", sq.Expr("CASE WHEN current_job_id = ? THEN NULL ELSE lease_expires_at END", jobID)).
		Where(sq.Eq{"id": collectionID}))
	if err != nil {
		return fmt.Errorf("update collection summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("collection %s: %w", collectionID, inspection.ErrNotFound)
	}
	return nil
}

var bannerColumns = []string{
	"id", "collection_id", "position", "title", "html_fragment",
	"image_desktop", "image_mobile", "extracted_at",
}

func (r *Repository) insertBanners(banners []inspection.Banner) sq.InsertBuilder {
	insert := r.sb.Insert("banners").Columns(bannerColumns...)
	for _, b := range banners {
		insert = insert.Values(
			b.ID, b.CollectionID, b.Position, b.Title, b.HTMLFragment,
			b.ImageDesktop, b.ImageMobile, b.ExtractedAt,
		)
	}
	return insert
}

// CreateBanners inserts all banners in one statement.
func (r *Repository) CreateBanners(ctx context.Context, banners []inspection.Banner) error {
	if len(banners) == 0 {
		return nil
	}
	if _, err := r.exec(ctx, r.insertBanners(banners)); err != nil {
		return fmt.Errorf("insert banners: %w", err)
	}
	return nil
}

func scanBanner(row scanner) (inspection.Banner, error) {
	var b inspection.Banner
	err := row.Scan(
		&b.ID, &b.CollectionID, &b.Position, &b.Title, &b.HTMLFragment,
		&b.ImageDesktop, &b.ImageMobile, &b.ExtractedAt,
	)
	return b, err
}

// GetBanner loads a banner by ID.
func (r *Repository) GetBanner(ctx context.Context, id string) (inspection.Banner, error) {
	row, err := r.queryRow(ctx, r.sb.Select(bannerColumns...).From("banners").Where(sq.Eq{"id": id}))
	if err != nil {
		return inspection.Banner{}, err
	}
	b, err := scanBanner(row)
	if err != nil {
		return inspection.Banner{}, notFound(err, "banner "+id)
	}
	return b, nil
}

// ListBanners returns a collection's banners by extraction time, then position.
func (r *Repository) ListBanners(ctx context.Context, collectionID string) ([]inspection.Banner, error) {
	rows, err := r.query(ctx, r.sb.Select(bannerColumns...).
		From("banners").
		Where(sq.Eq{"collection_id": collectionID}).
		OrderBy("extracted_at ASC", "position ASC"))
	if err != nil {
		return nil, fmt.Errorf("list banners: %w", err)
	}
	defer rows.Close()
	out := make([]inspection.Banner, 0)
	for rows.Next() {
		b, err := scanBanner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan banner: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list banners: %w", err)
	}
	return out, nil
}

var jobColumns = []string{
	"id", "collection_id", "job_type", "banner_id", "status", "progress_current",
	"progress_total", "error_message", "attempt", "started_at", "completed_at", "created_at",
}

// CreateJob inserts a job row.
func (r *Repository) CreateJob(ctx context.Context, job inspection.Job) error {
	_, err := r.exec(ctx, r.sb.Insert("inspection_jobs").
		Columns(jobColumns...).
		Values(
			job.ID, job.CollectionID, string(job.Type), job.BannerID, string(job.Status), job.ProgressCurrent,
			job.ProgressTotal, job.ErrorMessage, job.Attempt, job.StartedAt, job.CompletedAt, job.CreatedAt,
		))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row scanner) (inspection.Job, error) {
	var (
		job             inspection.Job
		jobType, status string
	)
	err := row.Scan(
		&job.ID, &job.CollectionID, &jobType, &job.BannerID, &status, &job.ProgressCurrent,
		&job.ProgressTotal, &job.ErrorMessage, &job.Attempt, &job.StartedAt, &job.CompletedAt, &job.CreatedAt,
	)
	job.Type = inspection.JobType(jobType)
	job.Status = inspection.JobStatus(status)
	return job, err
}

// GetJob loads a job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (inspection.Job, error) {
	row, err := r.queryRow(ctx, r.sb.Select(jobColumns...).From("inspection_jobs").Where(sq.Eq{"id": id}))
	if err != nil {
		return inspection.Job{}, err
	}
	job, err := scanJob(row)
	if err != nil {
		return inspection.Job{}, notFound(err, "job "+id)
	}
	return job, nil
}

var activeStatuses = []string{string(inspection.JobStatusPending), string(inspection.JobStatusProcessing)}

// ActiveJob returns the newest pending or processing job of the collection.
func (r *Repository) ActiveJob(ctx context.Context, collectionID string) (inspection.Job, error) {
	row, err := r.queryRow(ctx, r.sb.Select(jobColumns...).
		From("inspection_jobs").
		Where(sq.Eq{"collection_id": collectionID, "status": activeStatuses}).
		OrderBy("created_at DESC").
		Limit(1))
	if err != nil {
		return inspection.Job{}, err
	}
	job, err := scanJob(row)
	if err != nil {
		return inspection.Job{}, notFound(err, "active job for "+collectionID)
	}
	return job, nil
}

// ListJobs returns the collection's jobs, newest first.
func (r *Repository) ListJobs(ctx context.Context, collectionID string) ([]inspection.Job, error) {
	rows, err := r.query(ctx, r.sb.Select(jobColumns...).
		From("inspection_jobs").
		Where(sq.Eq{"collection_id": collectionID}).
		OrderBy("created_at DESC"))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	out := make([]inspection.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// updateJob runs a guarded update; a zero row count is only an error when the job is missing.
func (r *Repository) updateJob(ctx context.Context, id string, b sq.UpdateBuilder) error {
	_, err := r.claimJob(ctx, id, b)
	return err
}

// claimJob runs a guarded update and reports whether it matched a row.
func (r *Repository) claimJob(ctx context.Context, id string, b sq.UpdateBuilder) (bool, error) {
	tag, err := r.exec(ctx, b)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	row, err := r.queryRow(ctx, r.sb.Select("1").From("inspection_jobs").Where(sq.Eq{"id": id}))
	if err != nil {
		return false, err
	}
	var one int
	if err := row.Scan(&one); err != nil {
		return false, notFound(err, "job "+id)
	}
	return false, nil
}

// MarkQueued sets queued_at on a pending job that has not been queued yet.
func (r *Repository) MarkQueued(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.claimJob(ctx, id, r.sb.Update("inspection_jobs").
		Set("queued_at", at).
		Where(sq.Eq{"id": id, "status": string(inspection.JobStatusPending), "queued_at": nil}))
}

// MarkProcessing claims an active job with a compare-and-set on attempt.
// Concurrent claims for the same attempt serialise on the row lock and only
// the first one matches.
func (r *Repository) MarkProcessing(ctx context.Context, id string, attempt int, at time.Time) (bool, error) {
	return r.claimJob(ctx, id, r.sb.Update("inspection_jobs").
		Set("status", string(inspection.JobStatusProcessing)).
		Set("started_at", sq.Expr("COALESCE(started_at, ?)", at)).
		Set("attempt", attempt+1).
		Where(sq.Eq{"id": id, "status": activeStatuses}).
		Where(sq.LtOrEq{"attempt": attempt}))
}

// MarkCompleted finalises a job unless it already reached a terminal state.
func (r *Repository) MarkCompleted(ctx context.Context, id string, progressFinal int, at time.Time) error {
	return r.updateJob(ctx, id, r.sb.Update("inspection_jobs").
		Set("status", string(inspection.JobStatusCompleted)).
		Set("progress_current", sq.Expr("GREATEST(progress_current, ?)", progressFinal)).
		Set("completed_at", at).
		Where(sq.Eq{"id": id, "status": activeStatuses}))
}

// MarkFailed records the failure on a non-terminal job.
func (r *Repository) MarkFailed(ctx context.Context, id string, message string, at time.Time) error {
	return r.updateJob(ctx, id, r.sb.Update("inspection_jobs").
		Set("status", string(inspection.JobStatusFailed)).
		Set("error_message", message).
		Set("completed_at", at).
		Where(sq.Eq{"id": id, "status": activeStatuses}))
}

// MarkCancelled cancels a pending or processing job.
func (r *Repository) MarkCancelled(ctx context.Context, id string, at time.Time) error {
	return r.updateJob(ctx, id, r.sb.Update("inspection_jobs").
		Set("status", string(inspection.JobStatusCancelled)).
		Set("completed_at", at).
		Where(sq.Eq{"id": id, "status": activeStatuses}))
}

// SetProgressTotal records the number of targeted banners.
func (r *Repository) SetProgressTotal(ctx context.Context, id string, total int) error {
	return r.updateJob(ctx, id, r.sb.Update("inspection_jobs").
		Set("progress_total", total).
		Where(sq.Eq{"id": id}))
}

// AdvanceProgress raises progress_current; concurrent writers can never lower it.
func (r *Repository) AdvanceProgress(ctx context.Context, id string, current int) error {
	return r.updateJob(ctx, id, r.sb.Update("inspection_jobs").
		Set("progress_current", sq.Expr("GREATEST(progress_current, ?)", current)).
		Where(sq.Eq{"id": id}))
}

var logColumns = []string{
	"id", "job_id", "banner_id", "status", "skip_reason",
	"error_message", "result_summary", "created_at", "updated_at",
}

// CreateLogs inserts pending logs, skipping (job, banner) pairs that already exist.
func (r *Repository) CreateLogs(ctx context.Context, logs []inspection.JobLog) error {
	if len(logs) == 0 {
		return nil
	}
	insert := r.sb.Insert("inspection_job_logs").Columns(logColumns...)
	for _, l := range logs {
		insert = insert.Values(
			l.ID, l.JobID, l.BannerID, string(l.Status), enumPtr(l.SkipReason),
			l.ErrorMessage, enumPtr(l.ResultSummary), l.CreatedAt, l.UpdatedAt,
		)
	}
	if _, err := r.exec(ctx, insert.Suffix("ON CONFLICT (job_id, banner_id) DO NOTHING")); err != nil {
		return fmt.Errorf("insert job logs: %w", err)
	}
	return nil
}

// UpdateLog applies a transition to the (job, banner) log row.
func (r *Repository) UpdateLog(ctx context.Context, jobID, bannerID string, update inspection.LogUpdate) error {
	tag, err := r.exec(ctx, r.sb.Update("inspection_job_logs").
		Set("status", string(update.Status)).
		Set("skip_reason", enumPtr(update.SkipReason)).
		Set("error_message", update.ErrorMessage).
		Set("result_summary", enumPtr(update.ResultSummary)).
		Set("updated_at", update.UpdatedAt).
		Where(sq.Eq{"job_id": jobID, "banner_id": bannerID}))
	if err != nil {
		return fmt.Errorf("update job log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("log %s/%s: %w", jobID, bannerID, inspection.ErrNotFound)
	}
	return nil
}

// ListLogs returns the job's logs in creation order.
func (r *Repository) ListLogs(ctx context.Context, jobID string) ([]inspection.JobLog, error) {
	rows, err := r.query(ctx, r.sb.Select(logColumns...).
		From("inspection_job_logs").
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("created_at ASC", "id ASC"))
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()
	out := make([]inspection.JobLog, 0)
	for rows.Next() {
		var (
			l                   inspection.JobLog
			status              string
			skipReason, summary *string
		)
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.BannerID, &status, &skipReason,
			&l.ErrorMessage, &summary, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		l.Status = inspection.LogStatus(status)
		if skipReason != nil {
			reason := inspection.SkipReason(*skipReason)
			l.SkipReason = &reason
		}
		if summary != nil {
			s := inspection.ResultSummary(*summary)
			l.ResultSummary = &s
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	return out, nil
}

// UpsertResult inserts or replaces the banner's single result.
func (r *Repository) UpsertResult(ctx context.Context, result inspection.Result) error {
	report, err := json.Marshal(result.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = r.exec(ctx, r.sb.Insert("inspection_results").
		Columns("id", "banner_id", "report", "inspected_at").
		Values(result.ID, result.BannerID, report, result.InspectedAt).
		Suffix("ON CONFLICT (banner_id) DO UPDATE SET report = EXCLUDED.report, inspected_at = EXCLUDED.inspected_at"))
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func scanResult(row scanner) (inspection.Result, error) {
	var (
		res    inspection.Result
		report []byte
	)
	if err := row.Scan(&res.ID, &res.BannerID, &report, &res.InspectedAt); err != nil {
		return inspection.Result{}, err
	}
	if err := json.Unmarshal(report, &res.Report); err != nil {
		return inspection.Result{}, fmt.Errorf("decode report for banner %s: %w", res.BannerID, err)
	}
	res.Report.Normalize()
	return res, nil
}

// GetResult loads a banner's result.
func (r *Repository) GetResult(ctx context.Context, bannerID string) (inspection.Result, error) {
	row, err := r.queryRow(ctx, r.sb.Select("id", "banner_id", "report", "inspected_at").
		From("inspection_results").
		Where(sq.Eq{"banner_id": bannerID}))
	if err != nil {
		return inspection.Result{}, err
	}
	res, err := scanResult(row)
	if err != nil {
		return inspection.Result{}, notFound(err, "result for banner "+bannerID)
	}
	return res, nil
}

// ListResults returns the results of all banners in a collection.
func (r *Repository) ListResults(ctx context.Context, collectionID string) ([]inspection.Result, error) {
	rows, err := r.query(ctx, r.sb.Select("r.id", "r.banner_id", "r.report", "r.inspected_at").
		From("inspection_results r").
		Join("banners b ON b.id = r.banner_id").
		Where(sq.Eq{"b.collection_id": collectionID}).
		OrderBy("r.banner_id ASC"))
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	out := make([]inspection.Result, 0)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

// DeleteResult removes a banner's result.
func (r *Repository) DeleteResult(ctx context.Context, bannerID string) error {
	tag, err := r.exec(ctx, r.sb.Delete("inspection_results").Where(sq.Eq{"banner_id": bannerID}))
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result for banner %s: %w", bannerID, inspection.ErrNotFound)
	}
	return nil
}

// GetConfigValue reads a system config value.
func (r *Repository) GetConfigValue(ctx context.Context, key string) (string, error) {
	row, err := r.queryRow(ctx, r.sb.Select("value").From("system_config").Where(sq.Eq{"key": key}))
	if err != nil {
		return "", err
	}
	var value string
	if err := row.Scan(&value); err != nil {
		return "", notFound(err, fmt.Sprintf("config %q", key))
	}
	return value, nil
}

// SetConfigValue upserts a system config value.
func (r *Repository) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := r.exec(ctx, r.sb.Insert("system_config").
		Columns("key", "value", "updated_at").
		Values(key, value, sq.Expr("NOW()")).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at"))
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

func enumPtr[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
