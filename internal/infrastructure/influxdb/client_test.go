package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/config"
)

// fakeInflux serves the ping and write endpoints of an InfluxDB v2 server.
type fakeInflux struct {
	mu    sync.Mutex
	lines []string
	query []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping", "/health":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.query = append(f.query, r.URL.RawQuery)
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func connectFake(t *testing.T) (*Client, *fakeInflux) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := Connect(config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "graylogic",
		Bucket:        "siegenia",
		BatchSize:     10,
		FlushInterval: 60,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, fake
}

func TestConnectDisabled(t *testing.T) {
	if _, err := Connect(config.InfluxDBConfig{}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Connect(config.InfluxDBConfig{Enabled: true, URL: url, Token: "x"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteSnapshot(t *testing.T) {
	client, fake := connectFake(t)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := client.WriteSnapshot("living-room", map[string]any{
		"airbase.temperature.indoor": 21.5,
		"fanlevel":                   3,
		"active":                     true,
		"systemname":                 "Living room",
		"timer":                      []any{1.0, 2.0},
	}, ts)
	if n != 3 {
		t.Fatalf("WriteSnapshot() fields = %d, want 3", n)
	}
	client.Flush()

	lines := fake.written()
	if len(lines) != 1 {
		t.Fatalf("written lines = %v, want 1", lines)
	}
	line := lines[0]
	for _, want := range []string{
		"siegenia_snapshot,device_id=living-room ",
		"airbase.temperature.indoor=21.5",
		"fanlevel=3",
		"active=true",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "systemname") {
		t.Errorf("string field written: %q", line)
	}
	if client.PointsWritten() != 1 {
		t.Errorf("PointsWritten() = %d", client.PointsWritten())
	}
}

func TestWriteSnapshotWithoutTelemetry(t *testing.T) {
	client, _ := connectFake(t)
	if n := client.WriteSnapshot("d", map[string]any{"name": "x"}, time.Time{}); n != 0 {
		t.Errorf("WriteSnapshot() = %d, want 0", n)
	}
	if client.PointsWritten() != 0 {
		t.Errorf("PointsWritten() = %d, want 0", client.PointsWritten())
	}
}

func TestWriteCommand(t *testing.T) {
	client, fake := connectFake(t)
	client.WriteCommand("living-room", "set_params", 1500*time.Microsecond, true)
	client.Flush()

	lines := fake.written()
	if len(lines) != 1 {
		t.Fatalf("written lines = %v", lines)
	}
	for _, want := range []string{"siegenia_command,", "command=set_params", "device_id=living-room", "duration_ms=1.5", "success=true"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %q missing %q", lines[0], want)
		}
	}
}

func TestClosedClientDropsWrites(t *testing.T) {
	client, _ := connectFake(t)
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() after Close")
	}
	if n := client.WriteSnapshot("d", map[string]any{"v": 1.0}, time.Now()); n != 0 {
		t.Errorf("WriteSnapshot() after Close = %d", n)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v", err)
	}
	client.Flush()
}

func TestHealthCheck(t *testing.T) {
	client, _ := connectFake(t)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestTelemetryFields(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  any
		keep  bool
	}{
		{"float", 1.5, 1.5, true},
		{"float32", float32(2), 2.0, true},
		{"int", 4, 4.0, true},
		{"int64", int64(5), 5.0, true},
		{"bool", false, false, true},
		{"string", "x", nil, false},
		{"nil", nil, nil, false},
		{"slice", []any{1.0}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TelemetryFields(map[string]any{"k": tt.value})["k"]
			if ok != tt.keep {
				t.Fatalf("kept = %v, want %v", ok, tt.keep)
			}
			if ok && got != tt.want {
				t.Errorf("value = %#v, want %#v", got, tt.want)
			}
		})
	}
}
