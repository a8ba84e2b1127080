package database

import (
	"database/sql"
	"fmt"
	"time"
)

// ChannelPrefRow represents the persisted operator preferences for one
// channel. Channel ids are content-derived and stable across rebuilds, so a
// preference saved today still applies after a restart.
type ChannelPrefRow struct {
	ChannelID       string
	SelectedSource  int
	SelectedQuality int
	UpdatedAt       time.Time
}

// SaveSelectedSource persists the operator's source option choice for a
// channel. Index 0 means the event's own embed; 1..n select an alternate.
func (db *DB) SaveSelectedSource(channelID string, index int) error {
	query := `
		INSERT INTO channel_prefs (channel_id, selected_source, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id) DO UPDATE SET
			selected_source = excluded.selected_source,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := db.Exec(query, channelID, index)
	if err != nil {
		return fmt.Errorf("failed to save selected source: %w", err)
	}

	return nil
}

// SaveSelectedQuality persists the operator's quality variant choice for a
// channel. Index 0 means the master playlist as-is; 1..n pin a variant.
func (db *DB) SaveSelectedQuality(channelID string, index int) error {
	query := `
		INSERT INTO channel_prefs (channel_id, selected_quality, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id) DO UPDATE SET
			selected_quality = excluded.selected_quality,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := db.Exec(query, channelID, index)
	if err != nil {
		return fmt.Errorf("failed to save selected quality: %w", err)
	}

	return nil
}

// LoadPref loads the saved preferences for a channel. Returns nil without
// error when the channel has no saved preferences.
func (db *DB) LoadPref(channelID string) (*ChannelPrefRow, error) {
	var pref ChannelPrefRow
	err := db.QueryRow(`
		SELECT channel_id, selected_source, selected_quality, updated_at
		FROM channel_prefs WHERE channel_id = ?
	`, channelID).Scan(&pref.ChannelID, &pref.SelectedSource, &pref.SelectedQuality, &pref.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel prefs: %w", err)
	}

	return &pref, nil
}

// LoadAllPrefs loads every saved preference keyed by channel id. The
// reconciler re-applies these when a known channel id is inserted again.
func (db *DB) LoadAllPrefs() (map[string]*ChannelPrefRow, error) {
	rows, err := db.Query(`
		SELECT channel_id, selected_source, selected_quality, updated_at
		FROM channel_prefs
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel prefs: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]*ChannelPrefRow)
	for rows.Next() {
		var pref ChannelPrefRow
		if err := rows.Scan(&pref.ChannelID, &pref.SelectedSource, &pref.SelectedQuality, &pref.UpdatedAt); err != nil {
			continue
		}
		prefs[pref.ChannelID] = &pref
	}

	return prefs, nil
}

// DeletePref removes the saved preferences for a channel.
func (db *DB) DeletePref(channelID string) error {
	_, err := db.Exec("DELETE FROM channel_prefs WHERE channel_id = ?", channelID)
	return err
}

// CleanupOldPrefs removes preference rows untouched for longer than the
// given duration. Event channels are short-lived, so rows that old belong
// to events that will never reappear.
func (db *DB) CleanupOldPrefs(olderThan time.Duration) (int64, error) {
	modifier := fmt.Sprintf("-%d seconds", int(olderThan/time.Second))
	result, err := db.Exec("DELETE FROM channel_prefs WHERE updated_at < datetime('now', ?)", modifier)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old prefs: %w", err)
	}
	return result.RowsAffected()
}
