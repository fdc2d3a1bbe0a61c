package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

var now = time.Unix(1700000000, 0).UTC()

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewRepositoryWithPool(mock)
	require.NoError(t, err)
	return repo, mock
}

func TestNewRepositoryWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewRepositoryWithPool(nil)
	require.Error(t, err)
}

func TestCreateCollectionInsertsRow(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	c := inspection.Collection{
		ID:               "c1",
		SourceURL:        "https://shop.example.com/",
		CollectedAt:      now,
		InspectionStatus: inspection.CollectionNotInspected,
		BannerCount:      2,
		CSSKey:           "collections/c1/styles.css",
	}
	mock.ExpectExec("INSERT INTO collections").
		WithArgs("c1", c.SourceURL, now, "not_inspected", 0, 2, c.CSSKey, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.CreateCollection(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCollectionCommitsBothInserts(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	c := inspection.Collection{ID: "c1", SourceURL: "https://shop.example.com/", CollectedAt: now, BannerCount: 2}
	banners := []inspection.Banner{
		{ID: "b1", CollectionID: "c1", Position: 0, ExtractedAt: now},
		{ID: "b2", CollectionID: "c1", Position: 1, ExtractedAt: now},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO collections").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO banners").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveCollection(context.Background(), c, banners))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCollectionRollsBackOnBannerFailure(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	boom := errors.New("duplicate key value violates unique constraint")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO collections").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO banners").WillReturnError(boom)
	mock.ExpectRollback()

	err := repo.SaveCollection(context.Background(), inspection.Collection{ID: "c1"}, []inspection.Banner{{ID: "b1", CollectionID: "c1"}})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLease(t *testing.T) {
	t.Parallel()

	expires := now.Add(time.Hour)

	t.Run("free", func(t *testing.T) {
		t.Parallel()
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`UPDATE collections SET current_job_id = \$1, lease_expires_at = \$2 WHERE id = \$3 AND \(current_job_id IS NULL OR lease_expires_at < \$4\)`).
			WithArgs("job-1", expires, "c1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := repo.AcquireLease(context.Background(), "c1", "job-1", now, expires)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held", func(t *testing.T) {
		t.Parallel()
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE collections SET current_job_id").
			WithArgs("job-2", expires, "c1", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		holder := "job-1"
		mock.ExpectQuery("SELECT (.+) FROM collections WHERE id").
			WithArgs("c1").
			WillReturnRows(pgxmock.NewRows(collectionColumns).AddRow(
				"c1", "https://shop.example.com/", now, "inspecting", 0, 3, "", &holder, &expires,
			))

		ok, err := repo.AcquireLease(context.Background(), "c1", "job-2", now, expires)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing collection", func(t *testing.T) {
		t.Parallel()
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE collections").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT (.+) FROM collections").
			WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.AcquireLease(context.Background(), "nope", "job-2", now, expires)
		require.ErrorIs(t, err, inspection.ErrNotFound)
	})
}

func TestReleaseLeaseMatchesHolder(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE collections SET current_job_id = \$1, lease_expires_at = \$2 WHERE current_job_id = \$3 AND id = \$4`).
		WithArgs(nil, nil, "job-1", "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.ReleaseLease(context.Background(), "c1", "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSummaryNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE collections SET inspection_status").
		WithArgs("inspected", 2, "job-1", "job-1", "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateSummary(context.Background(), "c1", "job-1", inspection.CollectionInspected, 2)
	require.ErrorIs(t, err, inspection.ErrNotFound)
}

func TestUpdateSummaryReleasesOnlyMatchingLease(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE collections SET inspection_status = \$1, passed_count = \$2, ` +
		`current_job_id = CASE WHEN current_job_id = \$3 THEN NULL ELSE current_job_id END, ` +
		`lease_expires_at = CASE WHEN current_job_id = \$4 THEN NULL ELSE lease_expires_at END WHERE id = \$5`).
		WithArgs("inspecting", 1, "job-old", "job-old", "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateSummary(context.Background(), "c1", "job-old", inspection.CollectionInspecting, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBannersOrdersByExtractionThenPosition(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	desktop := "https://cdn.example.com/d.jpg"
	mock.ExpectQuery(`SELECT (.+) FROM banners WHERE collection_id = \$1 ORDER BY extracted_at ASC, position ASC`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(bannerColumns).
			AddRow("b1", "c1", 0, "Spring", "<div/>", &desktop, nil, now).
			AddRow("b2", "c1", 1, "Untitled Banner", "<div/>", nil, nil, now))

	banners, err := repo.ListBanners(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, banners, 2)
	require.Equal(t, desktop, *banners[0].ImageDesktop)
	require.Nil(t, banners[0].ImageMobile)
	require.Equal(t, 1, banners[1].Position)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM inspection_jobs WHERE id").
		WithArgs("j1").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetJob(context.Background(), "j1")
	require.ErrorIs(t, err, inspection.ErrNotFound)
}

func TestActiveJobScansRow(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT (.+) FROM inspection_jobs WHERE collection_id = \$1 AND status IN \(\$2,\$3\) ORDER BY created_at DESC LIMIT 1`).
		WithArgs("c1", "pending", "processing").
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(
			"j1", "c1", "all_banners", nil, "processing", 3, 7, nil, 1, &now, nil, now,
		))

	job, err := repo.ActiveJob(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, inspection.JobTypeAllBanners, job.Type)
	require.Equal(t, inspection.JobStatusProcessing, job.Status)
	require.Equal(t, 3, job.ProgressCurrent)
	require.Equal(t, 7, job.ProgressTotal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceProgressUsesGreatest(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE inspection_jobs SET progress_current = GREATEST\(progress_current, \$1\) WHERE id = \$2`).
		WithArgs(3, "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.AdvanceProgress(context.Background(), "j1", 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedOnTerminalJobIsNoop(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE inspection_jobs SET status = \$1, progress_current = GREATEST\(progress_current, \$2\), completed_at = \$3 WHERE id = \$4 AND status IN \(\$5,\$6\)`).
		WithArgs("completed", 5, now, "j1", "pending", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT 1 FROM inspection_jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	require.NoError(t, repo.MarkCompleted(context.Background(), "j1", 5, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingMissingJob(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE inspection_jobs SET status").
		WithArgs("processing", now, 1, "j1", "pending", "processing", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT 1 FROM inspection_jobs").
		WithArgs("j1").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.MarkProcessing(context.Background(), "j1", 0, now)
	require.ErrorIs(t, err, inspection.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingClaimsOnce(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	claim := `UPDATE inspection_jobs SET status = \$1, started_at = COALESCE\(started_at, \$2\), attempt = \$3 ` +
		`WHERE id = \$4 AND status IN \(\$5,\$6\) AND attempt <= \$7`
	mock.ExpectExec(claim).
		WithArgs("processing", now, 1, "j1", "pending", "processing", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(claim).
		WithArgs("processing", now, 1, "j1", "pending", "processing", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT 1 FROM inspection_jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	ok, err := repo.MarkProcessing(context.Background(), "j1", 0, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkProcessing(context.Background(), "j1", 0, now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkQueuedOnlyOnce(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	queued := `UPDATE inspection_jobs SET queued_at = \$1 WHERE id = \$2 AND queued_at IS NULL AND status = \$3`
	mock.ExpectExec(queued).
		WithArgs(now, "j1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(queued).
		WithArgs(now, "j1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT 1 FROM inspection_jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	ok, err := repo.MarkQueued(context.Background(), "j1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkQueued(context.Background(), "j1", now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateLogsIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO inspection_job_logs (.+) ON CONFLICT \(job_id, banner_id\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := repo.CreateLogs(context.Background(), []inspection.JobLog{
		{ID: "l1", JobID: "j1", BannerID: "b1", Status: inspection.LogStatusPending, CreatedAt: now, UpdatedAt: now},
		{ID: "l2", JobID: "j1", BannerID: "b2", Status: inspection.LogStatusPending, CreatedAt: now, UpdatedAt: now},
	})
	require.NoError(t, err)
	require.NoError(t, repo.CreateLogs(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLogMissingRow(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	summary := inspection.SummaryPass
	pass := "pass"
	mock.ExpectExec("UPDATE inspection_job_logs SET status").
		WithArgs("completed", (*string)(nil), (*string)(nil), &pass, now, "b1", "j1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateLog(context.Background(), "j1", "b1", inspection.LogUpdate{
		Status: inspection.LogStatusCompleted, ResultSummary: &summary, UpdatedAt: now,
	})
	require.ErrorIs(t, err, inspection.ErrNotFound)
}

func TestListLogsConvertsEnums(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	reason := "missing_images"
	mock.ExpectQuery("SELECT (.+) FROM inspection_job_logs WHERE job_id").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows(logColumns).
			AddRow("l1", "j1", "b1", "skipped", &reason, nil, nil, now, now))

	logs, err := repo.ListLogs(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, inspection.LogStatusSkipped, logs[0].Status)
	require.Equal(t, inspection.SkipMissingImages, *logs[0].SkipReason)
	require.Nil(t, logs[0].ResultSummary)
}

func TestUpsertAndGetResult(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	report := inspection.Report{
		Desktop: inspection.ViewportInspection{OverallStatus: "적합"},
		Mobile:  inspection.ViewportInspection{OverallStatus: "부적합", Issues: []inspection.Issue{{Category: "텍스트"}}},
	}
	report.Normalize()
	raw, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO inspection_results (.+) ON CONFLICT \(banner_id\) DO UPDATE`).
		WithArgs("r1", "b1", raw, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id, banner_id, report, inspected_at FROM inspection_results WHERE banner_id").
		WithArgs("b1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "banner_id", "report", "inspected_at"}).
			AddRow("r1", "b1", raw, now))

	require.NoError(t, repo.UpsertResult(context.Background(), inspection.Result{
		ID: "r1", BannerID: "b1", Report: report, InspectedAt: now,
	}))
	got, err := repo.GetResult(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, inspection.ApprovalApproved, got.Report.Desktop.Approval)
	require.Equal(t, inspection.ApprovalRejected, got.Report.Mobile.Approval)
	require.Equal(t, 1, got.Report.IssueCount())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResultsJoinsBanners(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT r.id, r.banner_id, r.report, r.inspected_at FROM inspection_results r JOIN banners b ON b.id = r.banner_id WHERE b.collection_id = \$1`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "banner_id", "report", "inspected_at"}).
			AddRow("r1", "b1", []byte(`{"desktop":{"overallStatus":"준수"},"mobile":{"overallStatus":"준수"}}`), now))

	results, err := repo.ListResults(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Report.Passed())
}

func TestDeleteResultNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM inspection_results WHERE banner_id").
		WithArgs("b1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, repo.DeleteResult(context.Background(), "b1"), inspection.ErrNotFound)
}

func TestConfigValues(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO system_config \(key,value,updated_at\) VALUES \(\$1,\$2,NOW\(\)\) ON CONFLICT \(key\)`).
		WithArgs("approved_icons_image_url", "icons/approved.png").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT value FROM system_config WHERE key").
		WithArgs("approved_icons_image_url").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("icons/approved.png"))
	mock.ExpectQuery("SELECT value FROM system_config WHERE key").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	ctx := context.Background()
	require.NoError(t, repo.SetConfigValue(ctx, "approved_icons_image_url", "icons/approved.png"))
	v, err := repo.GetConfigValue(ctx, "approved_icons_image_url")
	require.NoError(t, err)
	require.Equal(t, "icons/approved.png", v)
	_, err = repo.GetConfigValue(ctx, "missing")
	require.ErrorIs(t, err, inspection.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
