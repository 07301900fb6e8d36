package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-siegenia/migrations"
)

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "audit.db"), BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestNewEntry(t *testing.T) {
	ok := NewEntry("living-room", "reboot", "mqtt", nil, 1500*time.Millisecond, nil)
	if ok.Result != ResultOK || ok.Error != "" || ok.DurationMS != 1500 {
		t.Errorf("ok entry = %+v", ok)
	}

	failed := NewEntry("living-room", "reboot", "http", nil, 0, errors.New("device down"))
	if failed.Result != ResultError || failed.Error != "device down" {
		t.Errorf("failed entry = %+v", failed)
	}
}

func TestCreateAndList(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{DeviceID: "living-room", Action: "set_params", Source: "mqtt", Result: ResultOK, CommandID: "c1",
			Params: map[string]any{"fanlevel": 3.0}, CreatedAt: base},
		{DeviceID: "living-room", Action: "reboot", Source: "http", Result: ResultError, Error: "timeout",
			CreatedAt: base.Add(time.Second)},
		{DeviceID: "kitchen", Action: "refresh", Source: "http", Result: ResultOK, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if !strings.HasPrefix(e.ID, "cmd-") {
			t.Errorf("generated ID = %q", e.ID)
		}
	}

	tests := []struct {
		name       string
		filter     Filter
		wantTotal  int
		wantFirst  string
		wantLength int
	}{
		{name: "all", filter: Filter{}, wantTotal: 3, wantFirst: "refresh", wantLength: 3},
		{name: "device", filter: Filter{DeviceID: "living-room"}, wantTotal: 2, wantFirst: "reboot", wantLength: 2},
		{name: "source", filter: Filter{Source: "mqtt"}, wantTotal: 1, wantFirst: "set_params", wantLength: 1},
		{name: "result", filter: Filter{Result: ResultError}, wantTotal: 1, wantFirst: "reboot", wantLength: 1},
		{name: "paged", filter: Filter{Limit: 1, Offset: 1}, wantTotal: 3, wantFirst: "reboot", wantLength: 1},
		{name: "no match", filter: Filter{Action: "reset"}, wantTotal: 0, wantLength: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.wantTotal || len(res.Entries) != tt.wantLength {
				t.Fatalf("total = %d, len = %d, want %d, %d", res.Total, len(res.Entries), tt.wantTotal, tt.wantLength)
			}
			if tt.wantLength > 0 && res.Entries[0].Action != tt.wantFirst {
				t.Errorf("first action = %q, want %q", res.Entries[0].Action, tt.wantFirst)
			}
		})
	}

	res, err := repo.List(ctx, Filter{Source: "mqtt"})
	if err != nil {
		t.Fatal(err)
	}
	got := res.Entries[0]
	if got.CommandID != "c1" || got.Params["fanlevel"] != 3.0 || !got.CreatedAt.Equal(base) {
		t.Errorf("round-tripped entry = %+v", got)
	}
}

func TestListClampsLimit(t *testing.T) {
	repo := newTestRepository(t)

	res, err := repo.List(context.Background(), Filter{Limit: 10000, Offset: -5})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("limit = %d, offset = %d", res.Limit, res.Offset)
	}
	if res.Entries == nil {
		t.Error("Entries is nil, want empty slice")
	}
}

func TestPrune(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	old := &Entry{DeviceID: "d", Action: "reboot", Source: "http", Result: ResultOK, CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &Entry{DeviceID: "d", Action: "reset", Source: "http", Result: ResultOK}
	for _, e := range []*Entry{old, recent} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Entries[0].Action != "reset" {
		t.Errorf("remaining = %+v", res.Entries)
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

func TestRunPrunerStopsOnCancel(t *testing.T) {
	repo := newTestRepository(t)
	old := &Entry{DeviceID: "d", Action: "reboot", Source: "http", Result: ResultOK, CreatedAt: time.Now().Add(-48 * time.Hour)}
	if err := repo.Create(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		repo.RunPruner(ctx, time.Hour, 10*time.Millisecond, nopLogger{})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := repo.List(context.Background(), Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired entry was not pruned")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPruner did not return")
	}
}
