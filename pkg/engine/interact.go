package engine

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/node"
)

// InteractDelivery hands a response for an interact session to the surface
// that displays it (API connection, test harness).
type InteractDelivery func(ctx context.Context, details node.TriggerDetails, format node.Format, data map[string]interface{}) *apperr.Error

// InteractResponder answers interact executions through a delivery function,
// completing the interact trigger/responder pair used for chat-style test
// runs.
type InteractResponder struct {
	deliver InteractDelivery
}

// NewInteractResponder creates a responder delivering through deliver.
func NewInteractResponder(deliver InteractDelivery) *InteractResponder {
	return &InteractResponder{deliver: deliver}
}

// Execute delivers the payload to the interact session.
func (r *InteractResponder) Execute(ctx context.Context, payload ResponderPayload) (*node.Result, *apperr.Error) {
	if r.deliver == nil {
		return nil, apperr.NewInternal("Interact delivery not configured!", nil, nil,
			"InteractResponder - Execute - nil delivery")
	}
	if err := r.deliver(ctx, payload.Details, payload.Format, payload.Data); err != nil {
		return nil, err.WithTrace("InteractResponder - Execute - deliver")
	}
	return &node.Result{Status: node.StatusSuccess, Format: payload.Format, Content: payload.Data}, nil
}
