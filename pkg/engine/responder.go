package engine

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"go.uber.org/zap"
)

// ResponderPayload is the data handed to a channel responder.
type ResponderPayload struct {
	Format  node.Format
	Data    map[string]interface{}
	Details node.TriggerDetails
}

// Responder delivers a payload to one response channel (chat session, webhook
// reply, platform bot). Implementations wrap the per-integration clients that
// live outside this module.
type Responder interface {
	Execute(ctx context.Context, payload ResponderPayload) (*node.Result, *apperr.Error)
}

// Dispatcher routes node output to the responder registered for the trigger
// type the execution originated from.
type Dispatcher struct {
	responders map[string]Responder
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher with the given responder registry.
func NewDispatcher(responders map[string]Responder, logger *zap.Logger) *Dispatcher {
	if responders == nil {
		responders = make(map[string]Responder)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{responders: responders, logger: logger}
}

// Register installs a responder for a trigger type, replacing any previous
// registration.
func (d *Dispatcher) Register(triggerType string, responder Responder) {
	d.responders[triggerType] = responder
}

// SendResponse delivers data to the channel identified by details. Cron
// executions have no response channel, so cron is a no-op. Plain string data
// is wrapped as {defaultData: data} before dispatch.
func (d *Dispatcher) SendResponse(ctx context.Context, format node.Format, data interface{}, details node.TriggerDetails) *apperr.Error {
	if details.Type == node.TriggerCron {
		return nil
	}

	responder, ok := d.responders[details.Type]
	if !ok {
		return apperr.NewNotFound("Responder not found!",
			map[string]interface{}{"triggerType": details.Type},
			"Dispatcher - SendResponse - unknown responder type")
	}

	payload := ResponderPayload{Format: format, Details: details}
	switch v := data.(type) {
	case string:
		payload.Data = map[string]interface{}{"defaultData": v}
	case map[string]interface{}:
		payload.Data = v
	case nil:
		payload.Data = map[string]interface{}{}
	default:
		payload.Data = map[string]interface{}{"defaultData": v}
	}

	if _, err := responder.Execute(ctx, payload); err != nil {
		return err.WithTrace("Dispatcher - SendResponse - responder.Execute")
	}
	return nil
}
