package history

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Source values.
const (
	SourcePoll    = "poll"
	SourcePush    = "push"
	SourceCommand = "command"
)

const (
	// DefaultLimit is used when List is called with a non-positive limit.
	DefaultLimit = 50

	// MaxLimit caps List.
	MaxLimit = 200
)

var (
	// ErrDeviceIDRequired is returned when an empty device id is given.
	ErrDeviceIDRequired = errors.New("history: device id is required")

	// ErrInvalidRetention is returned by Prune for non-positive durations.
	ErrInvalidRetention = errors.New("history: retention must be positive")
)

// Entry is one recorded snapshot.
type Entry struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	Snapshot  map[string]any `json:"snapshot"`
	Source    string         `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

// Repository stores snapshots in SQLite.
//
// Thread Safety:
//   - Safe for concurrent use.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	mu   sync.Mutex
	last map[string][]byte // last recorded JSON per device
}

// NewRepository returns a repository on db. The snapshot_history table must
// already exist.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:   db,
		now:  func() time.Time { return time.Now().UTC() },
		last: make(map[string][]byte),
	}
}

// Record inserts a snapshot. An empty source defaults to SourcePoll.
func (r *Repository) Record(ctx context.Context, deviceID string, snapshot map[string]any, source string) error {
	data, err := encode(deviceID, snapshot)
	if err != nil {
		return err
	}
	return r.insert(ctx, deviceID, data, source)
}

// RecordIfChanged inserts snapshot only when it differs from the last one
// recorded for the device by this repository. It reports whether a row
// was written.
func (r *Repository) RecordIfChanged(ctx context.Context, deviceID string, snapshot map[string]any, source string) (bool, error) {
	data, err := encode(deviceID, snapshot)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if bytes.Equal(r.last[deviceID], data) {
		return false, nil
	}
	if err := r.insertLocked(ctx, deviceID, data, source); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) insert(ctx context.Context, deviceID string, data []byte, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(ctx, deviceID, data, source)
}

func (r *Repository) insertLocked(ctx context.Context, deviceID string, data []byte, source string) error {
	if source == "" {
		source = SourcePoll
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO snapshot_history (device_id, snapshot, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID, string(data), source, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting snapshot history: %w", err)
	}
	r.last[deviceID] = data
	return nil
}

// encode marshals snapshot. encoding/json sorts map keys, so equal
// snapshots produce equal bytes.
func encode(deviceID string, snapshot map[string]any) ([]byte, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshalling snapshot: %w", err)
	}
	return data, nil
}

// List returns the newest entries for a device, newest first. limit is
// clamped to [1, MaxLimit], defaulting to DefaultLimit.
func (r *Repository) List(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, snapshot, source, created_at
		 FROM snapshot_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var raw string
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &raw, &entry.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot history: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &entry.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshalling snapshot %d: %w", entry.ID, err)
		}
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and returns the count removed.
func (r *Repository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := r.now().Add(-olderThan).UnixMilli()
	result, err := r.db.ExecContext(ctx, "DELETE FROM snapshot_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning snapshot history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// Logger is the logging interface used by RunPruner.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// RunPruner prunes entries older than retention once at start and then on
// every interval until ctx is done.
func (r *Repository) RunPruner(ctx context.Context, retention, interval time.Duration, logger Logger) {
	prune := func() {
		n, err := r.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("pruning snapshot history failed", "error", err)
		case n > 0:
			logger.Info("pruned snapshot history", "deleted", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
