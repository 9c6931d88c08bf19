package deferred

import "context"

// PublishService is the companion service that receives finished captures
const PublishService = "publish_callback"

// ServiceCaller sends a one-way call to the companion; the supervisor
// implements it
type ServiceCaller interface {
	CallService(ctx context.Context, service string, args ...any) error
}

// PublishTask hands a publish payload to the companion
type PublishTask struct {
	caller  ServiceCaller
	payload any
}

// NewPublishTask captures payload for a later publish_callback
func NewPublishTask(caller ServiceCaller, payload any) *PublishTask {
	return &PublishTask{caller: caller, payload: payload}
}

func (t *PublishTask) Name() string { return "publish" }

func (t *PublishTask) Run(ctx context.Context) error {
	return t.caller.CallService(ctx, PublishService, t.payload)
}
