package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// TokenPair is a refreshed Google OAuth token pair.
type TokenPair struct {
	AccessToken string
	IDToken     string
}

// TokenSource validates and refreshes Google OAuth access tokens. The engine
// refreshes and persists expired tokens before a node executes; stale tokens
// must never reach a node.
type TokenSource interface {
	Validate(ctx context.Context, accessToken string) bool
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, *apperr.Error)
}

// NextNodeSchema is the typed output contract a downstream node declares,
// surfaced to agent nodes ahead of execution.
type NextNodeSchema struct {
	ID    string            `json:"id"`
	Type  string            `json:"type"`
	Props map[string]string `json:"props"`
}

// VisitContext is what the traversal hands to the per-node dispatch.
type VisitContext struct {
	NodeID           string
	Info             *workflow.NodeInfo
	ToolNodes        map[string]map[string]interface{}
	NextNodeSchema   []NextNodeSchema
	NextNodeAIPrompt string
}

// TraversalParams drives one level-order traversal.
type TraversalParams struct {
	StartNodeIDs  []string
	ConnectionMap workflow.ConnectionMap
	NodeMap       workflow.NodeMap
	OnVisitNode   func(ctx context.Context, visit VisitContext) (*Outcome, *apperr.Error)
}

// Executor performs level-order traversal over the node graph, dispatching
// each executable node and recording its output in the execution cache.
type Executor struct {
	caches     *CacheService
	dispatcher *Dispatcher
	registry   *node.Registry
	docs       workflow.Store
	tokens     TokenSource
	logger     *zap.Logger
}

// NewExecutor creates a graph executor. tokens may be nil when no node uses
// Google OAuth.
func NewExecutor(caches *CacheService, dispatcher *Dispatcher, registry *node.Registry, docs workflow.Store, tokens TokenSource, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		caches:     caches,
		dispatcher: dispatcher,
		registry:   registry,
		docs:       docs,
		tokens:     tokens,
		logger:     logger,
	}
}

// ExecuteWorkflow runs one execution to a terminal outcome, starting at the
// trigger node recorded in the execution cache.
func (e *Executor) ExecuteWorkflow(ctx context.Context, executionID string) (*Outcome, *apperr.Error) {
	ec, err := e.caches.GetWorkflowExecutionCache(ctx, executionID)
	if err != nil {
		return nil, err.WithTrace("Executor - ExecuteWorkflow - CacheService.GetWorkflowExecutionCache")
	}

	details := ec.TriggerDetails
	if details.Type == "" || details.NodeID == "" {
		return nil, apperr.NewBadRequest("Missing trigger details!",
			map[string]interface{}{"executionId": executionID},
			"Executor - ExecuteWorkflow - missing trigger details")
	}

	// Webhook responses are terminal and single-shot; they never receive
	// interleaved progress messages.
	if ec.GeneralSettings.ShowResultFromAllNodes && details.Type != node.TriggerWebhook {
		if serr := e.dispatcher.SendResponse(ctx, node.FormatString, "Mission Triggered", details); serr != nil {
			return nil, serr.WithTrace("Executor - ExecuteWorkflow - Dispatcher.SendResponse")
		}
	}

	outcome, err := e.Traverse(ctx, TraversalParams{
		StartNodeIDs:  []string{details.NodeID},
		ConnectionMap: ec.ConnectionMap,
		NodeMap:       ec.NodeMap,
		OnVisitNode: func(ctx context.Context, visit VisitContext) (*Outcome, *apperr.Error) {
			return e.callExecute(ctx, executionID, visit)
		},
	})
	if err != nil {
		return nil, err.WithTrace("Executor - ExecuteWorkflow - Traverse")
	}
	return outcome, nil
}

// Traverse walks the graph breadth-first, level by level, visiting each node
// at most once. Nodes at distance k are never visited before all nodes at
// distance k-1 completed. A hold or error from OnVisitNode aborts the whole
// traversal immediately.
func (e *Executor) Traverse(ctx context.Context, params TraversalParams) (*Outcome, *apperr.Error) {
	visited := make(map[string]bool)
	currentLevel := append([]string(nil), params.StartNodeIDs...)

	for len(currentLevel) > 0 {
		var nextLevel []string

		for _, nodeID := range currentLevel {
			if visited[nodeID] {
				continue
			}
			visited[nodeID] = true

			info, ok := params.NodeMap[nodeID]
			if !ok {
				return nil, apperr.NewNotFound(
					fmt.Sprintf("Node not found in node map: %s!", nodeID),
					map[string]interface{}{"nodeId": nodeID},
					"Executor - Traverse - missing node map entry")
			}

			conn, ok := params.ConnectionMap[nodeID]
			if !ok {
				conn = &workflow.Connections{}
			}

			for _, nextID := range conn.NextNodeIDs {
				if !visited[nextID] {
					nextLevel = append(nextLevel, nextID)
				}
			}

			// Triggers, tools and system nodes carry no executable behavior in
			// this pass; tools are consumed as capability attachments.
			switch info.Category {
			case workflow.CategoryTrigger, workflow.CategoryTool, workflow.CategorySystem:
				continue
			}

			toolNodes := make(map[string]map[string]interface{}, len(conn.ToolNodeIDs))
			for _, toolID := range conn.ToolNodeIDs {
				toolInfo, ok := params.NodeMap[toolID]
				if !ok {
					return nil, apperr.NewNotFound(
						fmt.Sprintf("Node data not found (%s)!", toolID),
						map[string]interface{}{"nodeId": toolID},
						"Executor - Traverse - missing tool node entry")
				}
				toolNodes[toolInfo.Type] = toolInfo.Config
			}

			var schema []NextNodeSchema
			var prompt strings.Builder
			for _, nextID := range conn.NextNodeIDs {
				nextInfo, ok := params.NodeMap[nextID]
				if !ok {
					continue
				}
				if len(nextInfo.AIGenerateProps) > 0 {
					schema = append(schema, NextNodeSchema{
						ID:    nextID,
						Type:  nextInfo.Type,
						Props: nextInfo.AIGenerateProps,
					})
				}
				if nextInfo.AIPrompt != "" {
					prompt.WriteString("\n\n")
					prompt.WriteString(nextInfo.AIPrompt)
				}
			}

			outcome, err := params.OnVisitNode(ctx, VisitContext{
				NodeID:           nodeID,
				Info:             info,
				ToolNodes:        toolNodes,
				NextNodeSchema:   schema,
				NextNodeAIPrompt: prompt.String(),
			})
			if err != nil {
				return nil, err.WithTrace("Executor - Traverse - OnVisitNode")
			}
			if outcome != nil && outcome.Status == node.StatusHold {
				return outcome, nil
			}
		}

		currentLevel = nextLevel
	}

	return &Outcome{Status: node.StatusSuccess}, nil
}

// callExecute dispatches a single node: resolves its input from the previous
// node's cached response, runs the node (or inlines a responder send), and
// persists the output before the traversal moves on.
func (e *Executor) callExecute(ctx context.Context, executionID string, visit VisitContext) (*Outcome, *apperr.Error) {
	ec, err := e.caches.GetWorkflowExecutionCache(ctx, executionID)
	if err != nil {
		return nil, err.WithTrace("Executor - callExecute - CacheService.GetWorkflowExecutionCache")
	}

	nodeID := visit.NodeID
	details := ec.TriggerDetails

	conn, ok := ec.ConnectionMap[nodeID]
	if !ok || len(conn.PreviousNodeIDs) == 0 {
		return nil, apperr.NewBadRequest(
			fmt.Sprintf("Unable to get previous nodes for node %s!", nodeID),
			map[string]interface{}{"workflowId": ec.ExecutionCacheEntry.WorkflowID, "nodeId": nodeID},
			"Executor - callExecute - no previous node")
	}

	// Only the first predecessor is consulted; multi-predecessor fan-in is a
	// documented limitation of the single-input design.
	previousNodeID := conn.PreviousNodeIDs[0]
	lastResponse, ok := ec.AllResponses[previousNodeID]
	if !ok {
		return nil, apperr.NewBadRequest(
			fmt.Sprintf("Missing response for previous node %s!", previousNodeID),
			map[string]interface{}{"workflowId": ec.ExecutionCacheEntry.WorkflowID, "nodeId": nodeID, "previousNodeId": previousNodeID},
			"Executor - callExecute - missing previous response")
	}

	if visit.Info.Category == workflow.CategoryResponder {
		return e.executeResponder(ctx, ec, visit, lastResponse)
	}

	config := visit.Info.Config
	if authType, _ := config["auth_type"].(string); authType == "google_signin" || authType == "google_manual" {
		if terr := e.checkGoogleToken(ctx, ec, nodeID, config); terr != nil {
			return nil, terr.WithTrace("Executor - callExecute - checkGoogleToken")
		}
	}

	data := make(map[string]interface{}, len(lastResponse.Content))
	for k, v := range lastResponse.Content {
		data[k] = v
	}

	if visit.Info.Category == workflow.CategoryAgent {
		uniqueChatID := agentChatID(ec.ExecutionCacheEntry.WorkflowID, details)
		if uniqueChatID == "" {
			return nil, apperr.NewBadRequest("Unique chat ID not found for agent node!",
				map[string]interface{}{"workflowId": ec.ExecutionCacheEntry.WorkflowID, "nodeId": nodeID, "triggerType": details.Type},
				"Executor - callExecute - empty unique chat id")
		}

		data["workflowId"] = ec.ExecutionCacheEntry.WorkflowID
		data["memoryId"] = uniqueChatID
		data["userId"] = ec.UserID
		data["userFullName"] = ec.UserFullName
		data["tools"] = visit.ToolNodes
		data["nextNodeSchema"] = visit.NextNodeSchema
		data["nextNodeAiPrompt"] = visit.NextNodeAIPrompt
	}

	instance, ierr := e.registry.Instance(visit.Info.Type)
	if ierr != nil {
		return nil, ierr.WithTrace("Executor - callExecute - Registry.Instance")
	}
	executable, ok := instance.(node.Executable)
	if !ok {
		return nil, apperr.NewBadRequest("Invalid node for execution!",
			map[string]interface{}{"nodeId": nodeID, "nodeType": visit.Info.Type},
			"Executor - callExecute - node is not executable")
	}

	result, rerr := executable.Execute(ctx, node.ExecuteInput{
		Format: lastResponse.Format,
		Data:   data,
		Config: config,
	})
	if rerr != nil {
		return nil, rerr.WithTrace("Executor - callExecute - Execute")
	}

	if result.Status == node.StatusHold {
		return &Outcome{Status: node.StatusHold, Content: result.Hold}, nil
	}

	if uerr := e.caches.UpdateExecutionResponse(ctx, executionID, nodeID, result.Format, result.Content); uerr != nil {
		return nil, uerr.WithTrace("Executor - callExecute - CacheService.UpdateExecutionResponse")
	}

	if ec.GeneralSettings.ShowResultFromAllNodes && details.Type != node.TriggerWebhook {
		progress := fmt.Sprintf("Progress - Successfully executed %s", e.nodeLabel(visit.Info.Type))
		if serr := e.dispatcher.SendResponse(ctx, node.FormatString, progress, details); serr != nil {
			e.logger.Error("Progress notification failed",
				zap.String("executionID", executionID),
				zap.String("nodeID", nodeID),
				zap.Error(serr))
		}
	}

	return &Outcome{Status: node.StatusSuccess}, nil
}

// executeResponder handles Responder-category nodes. Interact and webhook
// executions are answered inline through the dispatcher; all other trigger
// types run the responder node's own Execute.
func (e *Executor) executeResponder(ctx context.Context, ec *ExecutionContext, visit VisitContext, lastResponse NodeResponse) (*Outcome, *apperr.Error) {
	details := ec.TriggerDetails

	if details.Type == node.TriggerInteract || details.Type == node.TriggerWebhook {
		if serr := e.dispatcher.SendResponse(ctx, lastResponse.Format, lastResponse.Content, details); serr != nil {
			return nil, serr.WithTrace("Executor - executeResponder - Dispatcher.SendResponse")
		}
		return &Outcome{Status: node.StatusSuccess}, nil
	}

	instance, ierr := e.registry.Instance(visit.Info.Type)
	if ierr != nil {
		return nil, ierr.WithTrace("Executor - executeResponder - Registry.Instance")
	}
	executable, ok := instance.(node.Executable)
	if !ok {
		return nil, apperr.NewBadRequest("Invalid responder node for execution!",
			map[string]interface{}{"nodeId": visit.NodeID, "nodeType": visit.Info.Type},
			"Executor - executeResponder - node is not executable")
	}

	if _, rerr := executable.Execute(ctx, node.ExecuteInput{
		Format: lastResponse.Format,
		Data:   lastResponse.Content,
		Config: detailsToConfig(details),
	}); rerr != nil {
		return nil, rerr.WithTrace("Executor - executeResponder - Execute")
	}

	return &Outcome{Status: node.StatusSuccess}, nil
}

// checkGoogleToken validates the node's access token and transparently
// refreshes and persists a new token pair before execution when expired.
func (e *Executor) checkGoogleToken(ctx context.Context, ec *ExecutionContext, nodeID string, config map[string]interface{}) *apperr.Error {
	accessToken, _ := config["access_token"].(string)
	refreshToken, _ := config["refresh_token"].(string)
	if accessToken == "" || refreshToken == "" {
		return apperr.NewBadRequest("Google auth tokens not found!",
			map[string]interface{}{"workflowId": ec.ExecutionCacheEntry.WorkflowID, "nodeId": nodeID},
			"Executor - checkGoogleToken - missing tokens")
	}
	if e.tokens == nil {
		return apperr.NewInternal("Google token source not configured!", nil,
			map[string]interface{}{"workflowId": ec.ExecutionCacheEntry.WorkflowID, "nodeId": nodeID},
			"Executor - checkGoogleToken - nil token source")
	}

	if e.tokens.Validate(ctx, accessToken) {
		return nil
	}

	pair, err := e.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		return err.WithTrace("Executor - checkGoogleToken - TokenSource.Refresh")
	}

	if _, uerr := e.docs.UpdateWorkflow(ctx, ec.ExecutionCacheEntry.WorkflowID, workflow.Update{
		Config: []workflow.ConfigUpdate{{
			NodeID: nodeID,
			Updates: map[string]interface{}{
				"access_token": pair.AccessToken,
				"id_token":     pair.IDToken,
			},
		}},
	}); uerr != nil {
		return apperr.NewInternal("Error persisting refreshed tokens!", uerr,
			map[string]interface{}{"workflowId": ec.ExecutionCacheEntry.WorkflowID, "nodeId": nodeID},
			"Executor - checkGoogleToken - Store.UpdateWorkflow")
	}

	config["access_token"] = pair.AccessToken
	if info, ok := ec.NodeMap[nodeID]; ok {
		info.Config["access_token"] = pair.AccessToken
	}
	if serr := e.caches.SetWorkflowCache(ctx, &ec.WorkflowCacheEntry); serr != nil {
		return serr.WithTrace("Executor - checkGoogleToken - CacheService.SetWorkflowCache")
	}

	return nil
}

// nodeLabel resolves a human-readable label for progress messages.
func (e *Executor) nodeLabel(nodeType string) string {
	if def, err := e.registry.Lookup(nodeType); err == nil && def.Label != "" {
		return def.Label
	}
	return nodeType
}

// agentChatID derives the stable per-conversation memory key for an agent
// node from the workflow id and the trigger-type-specific identifier.
// Repeated triggers from the same origin conversation share agent memory.
func agentChatID(workflowID string, details node.TriggerDetails) string {
	switch details.Type {
	case node.TriggerInteract, node.TriggerWebhook:
		if details.UserID == "" {
			return ""
		}
		return fmt.Sprintf("%s-%s", workflowID, details.UserID)
	case node.TriggerTelegram:
		if details.ChatID == "" {
			return ""
		}
		return fmt.Sprintf("%s-%s", workflowID, details.ChatID)
	case node.TriggerDiscord:
		if details.ChannelID == "" || details.MessageID == "" {
			return ""
		}
		return fmt.Sprintf("%s-%s-%s", workflowID, details.ChannelID, details.MessageID)
	case node.TriggerSlack:
		if details.ChannelID == "" || details.TS == "" {
			return ""
		}
		return fmt.Sprintf("%s-%s-%s", workflowID, details.ChannelID, details.TS)
	case node.TriggerCron:
		if details.NodeID == "" {
			return ""
		}
		return fmt.Sprintf("%s-%s", workflowID, details.NodeID)
	case node.TriggerGoogleSheets:
		if details.FileID == "" {
			return ""
		}
		return fmt.Sprintf("%s-%s", workflowID, details.FileID)
	case node.TriggerWhatsApp:
		if details.PhoneNumberID == "" {
			return ""
		}
		return fmt.Sprintf("%s-%s", workflowID, details.PhoneNumberID)
	}
	return ""
}

// detailsToConfig flattens trigger details into the config map a responder
// node's own Execute expects.
func detailsToConfig(details node.TriggerDetails) map[string]interface{} {
	raw, err := json.Marshal(details)
	if err != nil {
		return map[string]interface{}{"type": details.Type}
	}
	config := make(map[string]interface{})
	if err := json.Unmarshal(raw, &config); err != nil {
		return map[string]interface{}{"type": details.Type}
	}
	return config
}
