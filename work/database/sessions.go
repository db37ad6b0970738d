package database

import (
	"context"
	"fmt"
	"time"

	"mixreplace/work/types"
)

// SessionStore persists finished streaming sessions. It satisfies
// mediaserver.HistoryRecorder.
type SessionStore struct {
	db      *DB
	timeout time.Duration
}

// NewSessionStore wraps db. Each write is bounded by a short timeout so a
// locked database cannot stall session cleanup.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db, timeout: 5 * time.Second}
}

// RecordSession inserts one finished session.
func (s *SessionStore) RecordSession(info types.SessionInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	closedAt := info.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_history
			(id, remote_addr, channel, connected_at, closed_at, frames_sent, bytes_sent, frames_dropped, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.RemoteAddr, info.Channel,
		info.ConnectedAt.UnixMilli(), closedAt.UnixMilli(),
		info.FramesSent, info.BytesSent, info.FramesDropped, info.CloseReason,
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", info.ID, err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, most recently closed first.
// An empty channel matches every channel.
func (s *SessionStore) RecentSessions(ctx context.Context, channel string, limit int) ([]types.SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, remote_addr, channel, connected_at, closed_at, frames_sent, bytes_sent, frames_dropped, close_reason
		FROM session_history
		WHERE ? = '' OR channel = ?
		ORDER BY closed_at DESC, id
		LIMIT ?`, channel, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []types.SessionInfo{}
	for rows.Next() {
		var (
			info                  types.SessionInfo
			connectedAt, closedAt int64
		)
		if err := rows.Scan(&info.ID, &info.RemoteAddr, &info.Channel, &connectedAt, &closedAt,
			&info.FramesSent, &info.BytesSent, &info.FramesDropped, &info.CloseReason); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.ConnectedAt = time.UnixMilli(connectedAt)
		info.ClosedAt = time.UnixMilli(closedAt)
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// Prune deletes sessions closed before cutoff and reports how many were removed.
func (s *SessionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_history WHERE closed_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// ChannelTotals aggregates history per channel.
type ChannelTotals struct {
	Channel    string `json:"channel"`
	Sessions   int64  `json:"sessions"`
	FramesSent int64  `json:"framesSent"`
	BytesSent  int64  `json:"bytesSent"`
}

// Totals returns per-channel aggregates over the whole history.
func (s *SessionStore) Totals(ctx context.Context) ([]ChannelTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, COUNT(*), COALESCE(SUM(frames_sent), 0), COALESCE(SUM(bytes_sent), 0)
		FROM session_history
		GROUP BY channel
		ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sessions: %w", err)
	}
	defer rows.Close()

	totals := []ChannelTotals{}
	for rows.Next() {
		var t ChannelTotals
		if err := rows.Scan(&t.Channel, &t.Sessions, &t.FramesSent, &t.BytesSent); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
