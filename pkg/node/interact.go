package node

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
)

// InteractTriggerType is the registry key for the interact trigger node,
// used for chat-style test runs against a workflow.
const InteractTriggerType = "interact-trigger"

// InteractSession is the live handle for one interact trigger. Messages are
// fed in through Send, typically from an API layer outside this module.
type InteractSession struct {
	userID        string
	workflowID    string
	triggerNodeID string
	callback      TriggerCallback
}

// Send feeds one chat message into the workflow, starting a new execution.
func (s *InteractSession) Send(ctx context.Context, message string) *apperr.Error {
	details := TriggerDetails{
		Type:   TriggerInteract,
		NodeID: s.triggerNodeID,
		UserID: s.userID,
	}
	if err := s.callback(ctx, s.userID, s.workflowID, message, FormatString, details); err != nil {
		return err.WithTrace("node - InteractSession.Send - Callback")
	}
	return nil
}

// InteractTrigger starts chat sessions for interactive test runs.
type InteractTrigger struct{}

// NewInteractTrigger creates an interact trigger node.
func NewInteractTrigger() *InteractTrigger {
	return &InteractTrigger{}
}

// StartListener opens a session and stores it under the trigger node id.
func (t *InteractTrigger) StartListener(ctx context.Context, req ListenerRequest) *apperr.Error {
	session := &InteractSession{
		userID:        req.UserID,
		workflowID:    req.WorkflowID,
		triggerNodeID: req.TriggerNodeID,
		callback:      req.Callback,
	}
	if err := req.Store(TriggerInteract, req.TriggerNodeID, session); err != nil {
		return err.WithTrace("node - InteractTrigger.StartListener - Store")
	}
	return nil
}

// StopListener is a no-op; sessions hold no resources.
func (t *InteractTrigger) StopListener(ctx context.Context, listener interface{}, uniqueKey string) *apperr.Error {
	return nil
}
