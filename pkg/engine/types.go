// Package engine implements the workflow execution core: the cache layer
// holding per-workflow and per-execution state, the level-order graph
// executor, the responder dispatcher, the trigger-listener manager and the
// activation/termination orchestration around them.
package engine

import (
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// NodeResponse is one node's cached output.
type NodeResponse struct {
	Format  node.Format            `json:"format"`
	Content map[string]interface{} `json:"content"`
}

// ExecutionCacheEntry is the per-execution mutable state. It is created when
// a trigger fires, lives for the lifetime of one execution, and is deleted
// when the execution reaches a terminal state.
type ExecutionCacheEntry struct {
	UserID         string                  `json:"userId"`
	UserFullName   string                  `json:"userFullName"`
	WorkflowID     string                  `json:"workflowId"`
	ExecutionID    string                  `json:"executionId"`
	TriggerDetails node.TriggerDetails     `json:"triggerDetails"`
	AllResponses   map[string]NodeResponse `json:"allResponses"`
}

// WorkflowCacheEntry is the memoized parsed graph for one workflow.
type WorkflowCacheEntry struct {
	WorkflowID      string                   `json:"workflowId"`
	ConnectionMap   workflow.ConnectionMap   `json:"connectionMap"`
	NodeMap         workflow.NodeMap         `json:"nodeMap"`
	GeneralSettings workflow.GeneralSettings `json:"generalSettings"`
}

// ExecutionContext is the merged execution + workflow view handed to the
// executor. Both embedded entries declare a WorkflowID field, so reads must
// qualify the selector through the embedded struct.
type ExecutionContext struct {
	ExecutionCacheEntry
	WorkflowCacheEntry
}

// Outcome is the terminal result of one traversal: success, or a hold with
// the message shown while the execution waits. Errors travel separately as
// *apperr.Error, so the three traversal outcomes are Success, Hold and Error.
type Outcome struct {
	Status  node.Status `json:"status"`
	Content string      `json:"content,omitempty"`
}
