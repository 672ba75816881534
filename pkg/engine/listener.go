package engine

import (
	"context"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// ListenerManager owns the live trigger listeners for one service instance.
// Listeners are keyed by their unique key: the bot token for telegram (one
// polling loop per bot, shared across workflows), the trigger node id for
// everything else.
type ListenerManager struct {
	mu        sync.Mutex
	listeners map[string]interface{}
	registry  *node.Registry
	logger    *zap.Logger
}

// NewListenerManager creates a listener manager with no active listeners.
func NewListenerManager(registry *node.Registry, logger *zap.Logger) *ListenerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListenerManager{
		listeners: make(map[string]interface{}),
		registry:  registry,
		logger:    logger,
	}
}

// StartListeners starts a listener for every trigger node in the workflow
// whose node type supports listening. A telegram trigger whose bot token
// already has a live listener is skipped rather than doubled.
func (m *ListenerManager) StartListeners(ctx context.Context, wf *workflow.Workflow, callback node.TriggerCallback) *apperr.Error {
	triggers, err := workflow.TriggerNodes(wf.ID, wf.Nodes, wf.Edges)
	if err != nil {
		return err.WithTrace("ListenerManager - StartListeners - TriggerNodes")
	}

	for _, trigger := range triggers {
		config := wf.NodeConfig(trigger.ID)
		uniqueKey := listenerKey(trigger.Type, trigger.ID, config)

		if trigger.Type == node.TelegramTriggerType && m.has(uniqueKey) {
			m.logger.Info("Listener already active, skipping",
				zap.String("workflowID", wf.ID),
				zap.String("triggerNodeID", trigger.ID))
			continue
		}

		instance, ierr := m.registry.Instance(trigger.Type)
		if ierr != nil {
			return ierr.WithTrace("ListenerManager - StartListeners - Registry.Instance")
		}
		listenable, ok := instance.(node.Listenable)
		if !ok {
			continue
		}

		req := node.ListenerRequest{
			UserID:        wf.CreatedBy,
			WorkflowID:    wf.ID,
			TriggerNodeID: trigger.ID,
			Config:        config,
			Callback:      callback,
			Store:         m.storeListener,
		}
		if serr := listenable.StartListener(ctx, req); serr != nil {
			return serr.WithTrace("ListenerManager - StartListeners - StartListener")
		}

		m.logger.Info("Listener started",
			zap.String("workflowID", wf.ID),
			zap.String("triggerNodeID", trigger.ID),
			zap.String("triggerType", trigger.Type))
	}

	return nil
}

// StopListeners stops and forgets the listener for every trigger node in the
// workflow. Best-effort: a stop failure is logged and the remaining triggers
// are still processed.
func (m *ListenerManager) StopListeners(ctx context.Context, wf *workflow.Workflow) {
	for _, n := range wf.Nodes {
		if n.Category != workflow.CategoryTrigger {
			continue
		}
		uniqueKey := listenerKey(n.Type, n.ID, wf.NodeConfig(n.ID))
		if err := m.StopListener(ctx, n.Type, uniqueKey); err != nil {
			m.logger.Error("Error stopping listener",
				zap.String("workflowID", wf.ID),
				zap.String("triggerNodeID", n.ID),
				zap.Error(err))
		}
	}
}

// StopListener stops one listener by trigger type and unique key. Stopping a
// key with no live listener is a no-op.
func (m *ListenerManager) StopListener(ctx context.Context, triggerType, uniqueKey string) *apperr.Error {
	m.mu.Lock()
	listener, ok := m.listeners[uniqueKey]
	if ok {
		delete(m.listeners, uniqueKey)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	instance, err := m.registry.Instance(triggerType)
	if err != nil {
		return err.WithTrace("ListenerManager - StopListener - Registry.Instance")
	}
	listenable, isListenable := instance.(node.Listenable)
	if !isListenable {
		return nil
	}

	if serr := listenable.StopListener(ctx, listener, uniqueKey); serr != nil {
		return serr.WithTrace("ListenerManager - StopListener - StopListener")
	}

	m.logger.Info("Listener stopped", zap.String("uniqueKey", uniqueKey))
	return nil
}

// ActiveCount reports the number of live listeners.
func (m *ListenerManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// storeListener is the StoreListener hook handed to trigger nodes.
func (m *ListenerManager) storeListener(triggerType, uniqueKey string, listener interface{}) *apperr.Error {
	if uniqueKey == "" {
		return apperr.NewBadRequest("Listener unique key is required!",
			map[string]interface{}{"triggerType": triggerType},
			"ListenerManager - storeListener - empty key")
	}
	m.mu.Lock()
	m.listeners[uniqueKey] = listener
	m.mu.Unlock()
	return nil
}

func (m *ListenerManager) has(uniqueKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.listeners[uniqueKey]
	return ok
}

// listenerKey derives the listener's unique key. Telegram listeners are
// identified by bot token so two workflows sharing a bot share one listener;
// every other trigger is identified by its node id.
func listenerKey(triggerType, triggerNodeID string, config map[string]interface{}) string {
	if triggerType == node.TelegramTriggerType {
		if token, _ := config["access_token"].(string); token != "" {
			return token
		}
	}
	return triggerNodeID
}
