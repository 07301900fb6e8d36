package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-siegenia/internal/audit"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	filter  audit.Filter
	listErr error
}

func (f *fakeAudit) Create(_ context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &audit.ListResult{Entries: f.entries, Total: len(f.entries), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (f *fakeAudit) recorded() []audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Entry(nil), f.entries...)
}

func TestCommandsAreAudited(t *testing.T) {
	store := &fakeAudit{}
	env := newTestEnv(t, func(d *Deps) { d.Audit = store })

	if status, body := env.do(t, http.MethodPut, "/api/v1/devices/living-room/params", `{"fanlevel":3}`); status != http.StatusOK {
		t.Fatalf("set params status = %d (%v)", status, body)
	}
	env.client.set(true, siegenia.ErrNotConnected)
	env.do(t, http.MethodPost, "/api/v1/devices/living-room/actions/reboot", "")

	got := store.recorded()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Action != "set_params" || got[0].Source != "http" || got[0].Result != audit.ResultOK {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[0].Params["fanlevel"] != 3.0 {
		t.Errorf("params = %v", got[0].Params)
	}
	if got[1].Action != "reboot" || got[1].Result != audit.ResultError || got[1].Error == "" {
		t.Errorf("second entry = %+v", got[1])
	}
}

func TestListAudit(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		store      *fakeAudit
		wantCode   int
		wantFilter audit.Filter
	}{
		{
			name:     "filters",
			path:     "/api/v1/audit?device_id=living-room&action=reboot&source=mqtt&result=error&limit=10&offset=20",
			store:    &fakeAudit{entries: []audit.Entry{{ID: "cmd-1", DeviceID: "living-room"}}},
			wantCode: http.StatusOK,
			wantFilter: audit.Filter{
				DeviceID: "living-room", Action: "reboot", Source: "mqtt", Result: "error", Limit: 10, Offset: 20,
			},
		},
		{name: "bad limit", path: "/api/v1/audit?limit=abc", store: &fakeAudit{}, wantCode: http.StatusBadRequest},
		{name: "negative offset", path: "/api/v1/audit?offset=-1", store: &fakeAudit{}, wantCode: http.StatusBadRequest},
		{name: "store error", path: "/api/v1/audit", store: &fakeAudit{listErr: errors.New("disk")}, wantCode: http.StatusInternalServerError},
		{name: "disabled", path: "/api/v1/audit", wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(d *Deps) {
				if tt.store != nil {
					d.Audit = tt.store
				}
			})
			status, body := env.do(t, http.MethodGet, tt.path, "")
			if status != tt.wantCode {
				t.Fatalf("status = %d, want %d (%v)", status, tt.wantCode, body)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			tt.store.mu.Lock()
			gotFilter := tt.store.filter
			tt.store.mu.Unlock()
			if gotFilter != tt.wantFilter {
				t.Errorf("filter = %+v, want %+v", gotFilter, tt.wantFilter)
			}
			if body["total"] != 1.0 {
				t.Errorf("total = %v", body["total"])
			}
		})
	}
}
