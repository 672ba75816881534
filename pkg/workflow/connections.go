package workflow

import (
	"github.com/wehubfusion/Daedalus/pkg/apperr"
)

// Connections is the adjacency entry for one node. ToolNodeIDs lists Tool
// nodes attached to an Agent node as capabilities; they never appear in
// NextNodeIDs or PreviousNodeIDs.
type Connections struct {
	PreviousNodeIDs []string `json:"previousNodeIds"`
	NextNodeIDs     []string `json:"nextNodeIds"`
	ToolNodeIDs     []string `json:"toolNodeIds"`
}

// ConnectionMap maps every node id to its adjacency entry.
type ConnectionMap map[string]*Connections

// NodeInfo is the flattened, execution-ready view of one node's static data.
type NodeInfo struct {
	Type            string                 `json:"type"`
	Category        Category               `json:"category"`
	Config          map[string]interface{} `json:"config"`
	AIGenerateProps map[string]string      `json:"aiGenerateProps,omitempty"`
	AIPrompt        string                 `json:"aiPrompt,omitempty"`
}

// NodeMap maps node ids to their flattened static data.
type NodeMap map[string]*NodeInfo

// BuildConnectionMap turns a flat node/edge list into an adjacency structure.
// Every valid node id gets an entry; edges whose endpoints are not in the
// node set are ignored. Edges between a Tool node and an Agent node are
// recorded as tool attachments on the agent side only.
func BuildConnectionMap(nodes []Node, edges []Edge) ConnectionMap {
	byID := make(map[string]*Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	cm := make(ConnectionMap, len(nodes))
	for id := range byID {
		cm[id] = &Connections{
			PreviousNodeIDs: []string{},
			NextNodeIDs:     []string{},
			ToolNodeIDs:     []string{},
		}
	}

	for _, edge := range edges {
		source, okSource := byID[edge.Source]
		target, okTarget := byID[edge.Target]
		if !okSource || !okTarget {
			continue
		}

		sourceIsTool := source.Category == CategoryTool
		targetIsTool := target.Category == CategoryTool

		if sourceIsTool && target.Category == CategoryAgent {
			cm[edge.Target].ToolNodeIDs = append(cm[edge.Target].ToolNodeIDs, edge.Source)
			continue
		}
		if targetIsTool && source.Category == CategoryAgent {
			cm[edge.Source].ToolNodeIDs = append(cm[edge.Source].ToolNodeIDs, edge.Target)
			continue
		}

		// Normal node-to-node connections. Tool edges that don't attach to an
		// agent are dropped entirely.
		if !sourceIsTool && !targetIsTool {
			cm[edge.Source].NextNodeIDs = append(cm[edge.Source].NextNodeIDs, edge.Target)
			cm[edge.Target].PreviousNodeIDs = append(cm[edge.Target].PreviousNodeIDs, edge.Source)
		}
	}

	return cm
}

// TriggerNodes returns the workflow's Trigger nodes, failing validation when
// none exist or when any Trigger node appears as an edge target.
func TriggerNodes(workflowID string, nodes []Node, edges []Edge) ([]Node, *apperr.Error) {
	triggers := make([]Node, 0, 1)
	for _, n := range nodes {
		if n.Category == CategoryTrigger {
			triggers = append(triggers, n)
		}
	}
	if len(triggers) == 0 {
		return nil, apperr.New(apperr.InternalServerError,
			"No trigger node found!", "No trigger node found!",
			map[string]interface{}{"workflowId": workflowID},
			"workflow - TriggerNodes - len(triggers) == 0")
	}

	targets := make(map[string]bool, len(edges))
	for _, e := range edges {
		targets[e.Target] = true
	}
	for _, trigger := range triggers {
		if targets[trigger.ID] {
			return nil, apperr.New(apperr.InternalServerError,
				"Trigger node cannot be a target node!", "Trigger node cannot be a target node!",
				map[string]interface{}{"workflowId": workflowID, "nodeId": trigger.ID},
				"workflow - TriggerNodes - trigger node is an edge target")
		}
	}

	return triggers, nil
}
