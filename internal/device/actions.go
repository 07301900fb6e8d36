package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

// Actions accepted by Execute.
const (
	ActionSetParams = "set_params"
	ActionReboot    = "reboot"
	ActionReset     = "reset"
	ActionRenewCert = "renew_cert"
	ActionRefresh   = "refresh"
)

// Result is the outcome of a successful action.
type Result struct {
	Action   string            `json:"action"`
	Data     siegenia.Document `json:"data,omitempty"`
	Snapshot *poller.Snapshot  `json:"snapshot,omitempty"`
}

// NormalizeAction maps an action name to its canonical form. Hyphens and
// case are accepted ("renew-cert", "Set_Params").
func NormalizeAction(action string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(action)), "-", "_")
}

// IsAction reports whether action (after normalisation) is supported.
func IsAction(action string) bool {
	switch NormalizeAction(action) {
	case ActionSetParams, ActionReboot, ActionReset, ActionRenewCert, ActionRefresh:
		return true
	}
	return false
}

// Execute runs action on the device with id. params is only used by
// set_params. A successful set_params queues a refresh so the new values
// reach the snapshot.
func (r *Registry) Execute(ctx context.Context, id, action string, params siegenia.Document) (Result, error) {
	u, err := r.Get(id)
	if err != nil {
		return Result{}, err
	}
	return u.Execute(ctx, action, params)
}

// Execute runs action on this unit.
func (u *Unit) Execute(ctx context.Context, action string, params siegenia.Document) (Result, error) {
	name := NormalizeAction(action)
	res := Result{Action: name}

	var err error
	switch name {
	case ActionSetParams:
		res.Data, err = u.Client.SetDeviceParams(ctx, params)
		if err == nil {
			u.Poller.Trigger()
		}
	case ActionReboot:
		err = u.Client.RebootDevice(ctx)
	case ActionReset:
		err = u.Client.ResetDevice(ctx)
	case ActionRenewCert:
		err = u.Client.RenewCert(ctx)
	case ActionRefresh:
		var snap poller.Snapshot
		snap, err = u.Poller.Refresh(ctx)
		if err == nil {
			res.Snapshot = &snap
		}
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", u.ID, name, err)
	}
	return res, nil
}

var (
	_ Commander = (*siegenia.Client)(nil)
	_ Refresher = (*poller.Coordinator)(nil)
)
