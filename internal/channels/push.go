package channels

import (
	"context"

	"notifyd/internal/domain"
)

// PushDispatcher reserves the push contract slot. No push provider is wired
// up yet; every dispatch fails with an explicit reason and goes through the
// normal retry path to a terminal failed state.
type PushDispatcher struct{}

func (d *PushDispatcher) Dispatch(ctx context.Context, job domain.NotificationJob) (DispatchResult, error) {
	return DispatchResult{}, &Error{Reason: "push notifications not implemented"}
}
