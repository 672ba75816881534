package node

import (
	"context"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"go.uber.org/zap"
)

// WebhookTriggerType is the registry key for the webhook trigger node.
const WebhookTriggerType = "webhook-trigger"

// WebhookHandler consumes one inbound webhook payload.
type WebhookHandler func(ctx context.Context, requestID string, payload map[string]interface{}) *apperr.Error

// WebhookRegistry holds the live webhook handlers keyed by trigger node id.
// It is constructed once at process start and injected wherever inbound HTTP
// delivery needs to hand payloads to the engine; the HTTP layer itself lives
// outside this module.
type WebhookRegistry struct {
	mu       sync.RWMutex
	handlers map[string]WebhookHandler
	logger   *zap.Logger
}

// NewWebhookRegistry creates an empty webhook registry.
func NewWebhookRegistry(logger *zap.Logger) *WebhookRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookRegistry{
		handlers: make(map[string]WebhookHandler),
		logger:   logger,
	}
}

// RegisterHandler installs the handler for a trigger node id, replacing any
// previous registration.
func (r *WebhookRegistry) RegisterHandler(triggerNodeID string, handler WebhookHandler) {
	r.mu.Lock()
	r.handlers[triggerNodeID] = handler
	r.mu.Unlock()
}

// UnregisterHandler removes the handler for a trigger node id.
func (r *WebhookRegistry) UnregisterHandler(triggerNodeID string) {
	r.mu.Lock()
	delete(r.handlers, triggerNodeID)
	r.mu.Unlock()
}

// Dispatch routes an inbound payload to the handler registered for the
// trigger node id.
func (r *WebhookRegistry) Dispatch(ctx context.Context, triggerNodeID, requestID string, payload map[string]interface{}) *apperr.Error {
	r.mu.RLock()
	handler, ok := r.handlers[triggerNodeID]
	r.mu.RUnlock()

	if !ok {
		return apperr.NewNotFound("No webhook handler registered!",
			map[string]interface{}{"triggerNodeId": triggerNodeID},
			"node - WebhookRegistry.Dispatch - unknown trigger node")
	}
	if err := handler(ctx, requestID, payload); err != nil {
		return err.WithTrace("node - WebhookRegistry.Dispatch - handler")
	}
	return nil
}

// WebhookTrigger registers a handler that turns inbound webhook payloads into
// executions. Webhook responses are terminal and single-shot, so executions
// started here never receive interleaved progress messages.
type WebhookTrigger struct {
	webhooks *WebhookRegistry
	logger   *zap.Logger
}

// NewWebhookTrigger creates a webhook trigger node bound to the shared
// webhook registry.
func NewWebhookTrigger(webhooks *WebhookRegistry, logger *zap.Logger) *WebhookTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookTrigger{webhooks: webhooks, logger: logger}
}

// StartListener installs the webhook handler for the trigger node.
func (w *WebhookTrigger) StartListener(ctx context.Context, req ListenerRequest) *apperr.Error {
	handler := func(ctx context.Context, requestID string, payload map[string]interface{}) *apperr.Error {
		details := TriggerDetails{
			Type:      TriggerWebhook,
			NodeID:    req.TriggerNodeID,
			UserID:    req.UserID,
			RequestID: requestID,
		}
		if err := req.Callback(ctx, req.UserID, req.WorkflowID, payload, FormatObject, details); err != nil {
			return err.WithTrace("node - WebhookTrigger - Callback")
		}
		return nil
	}

	w.webhooks.RegisterHandler(req.TriggerNodeID, handler)

	if err := req.Store(TriggerWebhook, req.TriggerNodeID, w.webhooks); err != nil {
		w.webhooks.UnregisterHandler(req.TriggerNodeID)
		return err.WithTrace("node - WebhookTrigger.StartListener - Store")
	}

	w.logger.Info("Webhook listener registered",
		zap.String("workflowID", req.WorkflowID),
		zap.String("triggerNodeID", req.TriggerNodeID))
	return nil
}

// StopListener removes the webhook handler for the trigger node.
func (w *WebhookTrigger) StopListener(ctx context.Context, listener interface{}, uniqueKey string) *apperr.Error {
	w.webhooks.UnregisterHandler(uniqueKey)
	w.logger.Info("Webhook listener removed", zap.String("triggerNodeID", uniqueKey))
	return nil
}
