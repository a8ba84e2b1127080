package database

import (
	"database/sql"
	"fmt"
	"time"
)

// DeadEmbedRow represents the failure record for one embed URL. Embeds that
// keep failing resolution are benched: hydration skips them until the
// cooldown passes, so rebuild passes stop burning detection attempts on
// streams that are gone.
type DeadEmbedRow struct {
	EmbedURL    string
	Failures    int
	LastFailure time.Time
	Blocked     bool
}

// RecordEmbedFailure increments the failure count for an embed URL and
// benches it once the count reaches the limit. Returns whether the embed is
// now benched.
func (db *DB) RecordEmbedFailure(embedURL string, limit int) (bool, error) {
	query := `
		INSERT INTO dead_embeds (embed_url, failures, last_failure, blocked)
		VALUES (?, 1, CURRENT_TIMESTAMP, 0)
		ON CONFLICT(embed_url) DO UPDATE SET
			failures = dead_embeds.failures + 1,
			last_failure = CURRENT_TIMESTAMP,
			blocked = CASE WHEN dead_embeds.failures + 1 >= ? THEN 1 ELSE dead_embeds.blocked END
	`

	_, err := db.Exec(query, embedURL, limit)
	if err != nil {
		return false, fmt.Errorf("failed to record embed failure: %w", err)
	}

	var blocked bool
	err = db.QueryRow("SELECT blocked FROM dead_embeds WHERE embed_url = ?", embedURL).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to read embed block state: %w", err)
	}

	return blocked, nil
}

// ClearEmbedFailures removes the failure record for an embed URL. Called
// after a successful resolution so one bad night does not haunt an embed
// that recovered.
func (db *DB) ClearEmbedFailures(embedURL string) error {
	_, err := db.Exec("DELETE FROM dead_embeds WHERE embed_url = ?", embedURL)
	return err
}

// IsEmbedBenched reports whether an embed URL is currently benched: blocked
// and still inside the cooldown window since its last failure. A blocked
// embed whose cooldown has passed gets another chance; the next failure
// benches it again immediately since the count already sits at the limit.
//
// The comparison runs inside SQLite against its own clock so the stored
// CURRENT_TIMESTAMP format never meets a Go-side time encoding.
func (db *DB) IsEmbedBenched(embedURL string, cooldown time.Duration) (bool, error) {
	modifier := fmt.Sprintf("-%d seconds", int(cooldown/time.Second))

	var benched bool
	err := db.QueryRow(`
		SELECT blocked = 1 AND last_failure > datetime('now', ?)
		FROM dead_embeds WHERE embed_url = ?
	`, modifier, embedURL).Scan(&benched)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check embed bench state: %w", err)
	}

	return benched, nil
}

// LoadDeadEmbeds retrieves all embed failure records, most recent first.
func (db *DB) LoadDeadEmbeds() ([]*DeadEmbedRow, error) {
	rows, err := db.Query(`
		SELECT embed_url, failures, last_failure, blocked
		FROM dead_embeds
		ORDER BY last_failure DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead embeds: %w", err)
	}
	defer rows.Close()

	var embeds []*DeadEmbedRow
	for rows.Next() {
		var de DeadEmbedRow
		var lastFailure sql.NullTime
		if err := rows.Scan(&de.EmbedURL, &de.Failures, &lastFailure, &de.Blocked); err != nil {
			continue
		}
		if lastFailure.Valid {
			de.LastFailure = lastFailure.Time
		}
		embeds = append(embeds, &de)
	}

	return embeds, nil
}

// CleanupOldDeadEmbeds removes failure records older than the specified
// duration. Live events are ephemeral; their embeds never resurface.
func (db *DB) CleanupOldDeadEmbeds(olderThan time.Duration) (int64, error) {
	modifier := fmt.Sprintf("-%d seconds", int(olderThan/time.Second))
	result, err := db.Exec("DELETE FROM dead_embeds WHERE last_failure < datetime('now', ?)", modifier)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old dead embeds: %w", err)
	}
	return result.RowsAffected()
}
