package repositories

import (
	"context"
	"database/sql"

	"membersync/internal/platform/models"
)

type SyncResultRepository struct {
	db *sql.DB
}

func NewSyncResultRepository(db *sql.DB) *SyncResultRepository {
	return &SyncResultRepository{db: db}
}

// Record inserts one completion record. Called once per processed item.
func (r *SyncResultRepository) Record(ctx context.Context, result *models.SyncResult) error {
	query := `
		INSERT INTO sync_results
		(id, site_id, event_id, event_type, member_id, email_hash, outcome, error_class, error, attempt, latency_ms, status_from, status_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		result.ID, result.SiteID, result.EventID, result.EventType,
		result.MemberID, result.EmailHash, result.Outcome, result.ErrorClass,
		result.Error, result.Attempt, result.LatencyMS,
		result.StatusFrom, result.StatusTo, result.CreatedAt)
	return err
}

// Recent returns the newest results for a site, newest first.
func (r *SyncResultRepository) Recent(ctx context.Context, siteID string, limit int) ([]*models.SyncResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, site_id, event_id, event_type, member_id, email_hash, outcome, error_class, error, attempt, latency_ms, status_from, status_to, created_at
		FROM sync_results
		WHERE site_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.SyncResult
	for rows.Next() {
		var res models.SyncResult
		var errorClass, errMsg, statusFrom, statusTo sql.NullString
		if err := rows.Scan(&res.ID, &res.SiteID, &res.EventID, &res.EventType,
			&res.MemberID, &res.EmailHash, &res.Outcome, &errorClass, &errMsg,
			&res.Attempt, &res.LatencyMS, &statusFrom, &statusTo, &res.CreatedAt); err != nil {
			return nil, err
		}
		res.ErrorClass = errorClass.String
		res.Error = errMsg.String
		res.StatusFrom = statusFrom.String
		res.StatusTo = statusTo.String
		results = append(results, &res)
	}
	return results, rows.Err()
}

// CountByOutcome aggregates results per outcome for a site since a unix
// timestamp.
func (r *SyncResultRepository) CountByOutcome(ctx context.Context, siteID string, since int64) (map[string]int64, error) {
	query := `
		SELECT outcome, COUNT(*)
		FROM sync_results
		WHERE site_id = ? AND created_at >= ?
		GROUP BY outcome
	`
	rows, err := r.db.QueryContext(ctx, query, siteID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}
