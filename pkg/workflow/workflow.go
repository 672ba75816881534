// Package workflow defines the workflow document model and the derived
// execution-ready views (connection map, node map) built from it.
package workflow

import (
	"context"
)

// Status is the lifecycle state of a workflow document.
type Status string

const (
	StatusLive     Status = "live"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Category classifies a node's role in the graph.
type Category string

const (
	CategoryTrigger   Category = "Trigger"
	CategoryTool      Category = "Tool"
	CategoryAgent     Category = "Agent"
	CategoryAction    Category = "Action"
	CategoryLLM       Category = "LLM"
	CategoryResponder Category = "Responder"
	CategorySystem    Category = "System"
)

// ExecutionStatus is the reported terminal state of one execution.
// A held execution is reported as started, not failed.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionStarted ExecutionStatus = "started"
)

// Node is a single node in a workflow graph.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Category Category `json:"category"`
}

// Edge connects a source node to a target node. Edges between a Tool node
// and an Agent node are capability attachments, not control flow (see
// BuildConnectionMap).
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// GeneralSettings holds workflow-wide execution options.
type GeneralSettings struct {
	ShowResultFromAllNodes bool `json:"showResultFromAllNodes"`
}

// ExecutionReport is one entry in the workflow's run history.
type ExecutionReport struct {
	ExecutionID     string          `json:"executionId"`
	ExecutionStatus ExecutionStatus `json:"executionStatus"`
}

// Workflow is the canonical workflow document owned by the store.
type Workflow struct {
	ID              string                            `json:"id"`
	Title           string                            `json:"title"`
	CreatedBy       string                            `json:"createdBy"`
	Nodes           []Node                            `json:"nodes"`
	Edges           []Edge                            `json:"edges"`
	Config          map[string]map[string]interface{} `json:"config"`
	GeneralSettings GeneralSettings                   `json:"generalSettings"`
	Status          Status                            `json:"status"`
	Report          []ExecutionReport                 `json:"report"`
}

// NodeConfig returns the config map for a node, never nil.
func (w *Workflow) NodeConfig(nodeID string) map[string]interface{} {
	if cfg, ok := w.Config[nodeID]; ok && cfg != nil {
		return cfg
	}
	return map[string]interface{}{}
}

// ConfigUpdate patches one node's config.
type ConfigUpdate struct {
	NodeID  string                 `json:"nodeId"`
	Updates map[string]interface{} `json:"updates"`
}

// Update is a partial workflow update applied by the store.
type Update struct {
	Status *Status          `json:"status,omitempty"`
	Config []ConfigUpdate   `json:"config,omitempty"`
	Report *ExecutionReport `json:"report,omitempty"`
}

// Store is the narrow interface to the workflow document store. The engine
// reads documents on cache misses and writes token refreshes, status flips
// and report entries through it.
type Store interface {
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, workflowID string, update Update) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
}
