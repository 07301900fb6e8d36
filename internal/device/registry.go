package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

// Commander is the part of *siegenia.Client a Unit needs.
type Commander interface {
	SetDeviceParams(ctx context.Context, params siegenia.Document) (siegenia.Document, error)
	RebootDevice(ctx context.Context) error
	ResetDevice(ctx context.Context) error
	RenewCert(ctx context.Context) error
	Connected() bool
	State() siegenia.State
	Stats() siegenia.Stats
}

// Refresher is the part of *poller.Coordinator a Unit needs.
type Refresher interface {
	Refresh(ctx context.Context) (poller.Snapshot, error)
	Snapshot() poller.Snapshot
	Trigger()
}

// Unit is one configured device.
type Unit struct {
	ID     string
	Name   string
	Host   string
	Client Commander
	Poller Refresher
}

// Status is a point-in-time summary of a unit.
type Status struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Stale     bool   `json:"stale"`
	Error     string `json:"error,omitempty"`

	SystemName string     `json:"system_name,omitempty"`
	Stats      Statistics `json:"stats"`
}

// Statistics mirrors siegenia.Stats for JSON consumers.
type Statistics struct {
	CommandsSent      uint64     `json:"commands_sent"`
	ResponsesReceived uint64     `json:"responses_received"`
	PushesReceived    uint64     `json:"pushes_received"`
	PushesDropped     uint64     `json:"pushes_dropped"`
	MalformedFrames   uint64     `json:"malformed_frames"`
	Timeouts          uint64     `json:"timeouts"`
	Reconnects        uint64     `json:"reconnects"`
	Pending           int        `json:"pending"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
	ConnectedSince    *time.Time `json:"connected_since,omitempty"`
}

func statisticsFrom(s siegenia.Stats) Statistics {
	out := Statistics{
		CommandsSent:      s.CommandsSent,
		ResponsesReceived: s.ResponsesReceived,
		PushesReceived:    s.PushesReceived,
		PushesDropped:     s.PushesDropped,
		MalformedFrames:   s.MalformedFrames,
		Timeouts:          s.Timeouts,
		Reconnects:        s.Reconnects,
		Pending:           s.Pending,
	}
	if !s.LastActivity.IsZero() {
		t := s.LastActivity.UTC()
		out.LastActivity = &t
	}
	if !s.ConnectedSince.IsZero() {
		t := s.ConnectedSince.UTC()
		out.ConnectedSince = &t
	}
	return out
}

// Status summarises the unit's connection and latest snapshot.
func (u *Unit) Status() Status {
	snap := u.Poller.Snapshot()
	return Status{
		ID:         u.ID,
		Name:       u.Name,
		Host:       u.Host,
		State:      u.Client.State().String(),
		Connected:  u.Client.Connected(),
		Stale:      snap.Stale || !snap.Valid(),
		Error:      snap.Err,
		SystemName: snap.SystemName(),
		Stats:      statisticsFrom(u.Client.Stats()),
	}
}

// Registry holds units by ID.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Unit
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]*Unit)}
}

// Add registers a unit.
func (r *Registry) Add(u *Unit) error {
	if u == nil || u.ID == "" || u.Client == nil || u.Poller == nil {
		return ErrInvalidUnit
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[u.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, u.ID)
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	r.units[u.ID] = u
	return nil
}

// Get returns the unit with id.
func (r *Registry) Get(id string) (*Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return u, nil
}

// List returns all units ordered by ID.
func (r *Registry) List() []*Unit {
	r.mu.RLock()
	out := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// Statuses returns Status for every unit ordered by ID.
func (r *Registry) Statuses() []Status {
	units := r.List()
	out := make([]Status, 0, len(units))
	for _, u := range units {
		out = append(out, u.Status())
	}
	return out
}
