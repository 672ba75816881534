package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/queue"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// UserResolver resolves a user id to a display name for agent memory
// enrichment. Optional; a nil resolver leaves the name empty.
type UserResolver interface {
	FullName(ctx context.Context, userID string) (string, *apperr.Error)
}

// Service orchestrates workflow lifecycle: activation starts listeners and
// warms the workflow cache, termination tears everything down, and the
// trigger callback turns an inbound event into a queued execution.
type Service struct {
	docs      workflow.Store
	caches    *CacheService
	listeners *ListenerManager
	publisher queue.Publisher
	registry  *node.Registry
	users     UserResolver
	logger    *zap.Logger
}

// NewService creates the lifecycle orchestrator. users may be nil.
func NewService(docs workflow.Store, caches *CacheService, listeners *ListenerManager, publisher queue.Publisher, registry *node.Registry, users UserResolver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		docs:      docs,
		caches:    caches,
		listeners: listeners,
		publisher: publisher,
		registry:  registry,
		users:     users,
		logger:    logger,
	}
}

// ActivateWorkflow validates the workflow graph, marks the workflow live,
// warms its cache and starts its trigger listeners. A listener failure rolls
// the status back to inactive.
func (s *Service) ActivateWorkflow(ctx context.Context, workflowID string) *apperr.Error {
	wf, err := s.docs.GetWorkflow(ctx, workflowID)
	if err != nil {
		return apperr.NewInternal("Error getting workflow!", err,
			map[string]interface{}{"workflowId": workflowID},
			"Service - ActivateWorkflow - docs.GetWorkflow")
	}
	if wf.Status == workflow.StatusDeleted {
		return apperr.NewNotFound("Workflow has been deleted!",
			map[string]interface{}{"workflowId": workflowID},
			"Service - ActivateWorkflow - status deleted")
	}

	if _, terr := workflow.TriggerNodes(wf.ID, wf.Nodes, wf.Edges); terr != nil {
		return terr.WithTrace("Service - ActivateWorkflow - TriggerNodes")
	}

	live := workflow.StatusLive
	wf, uerr := s.docs.UpdateWorkflow(ctx, workflowID, workflow.Update{Status: &live})
	if uerr != nil {
		return apperr.NewInternal("Error setting workflow live!", uerr,
			map[string]interface{}{"workflowId": workflowID},
			"Service - ActivateWorkflow - docs.UpdateWorkflow")
	}

	if _, cerr := s.caches.rebuildWorkflowCache(ctx, workflowID); cerr != nil {
		s.rollbackStatus(ctx, workflowID)
		return cerr.WithTrace("Service - ActivateWorkflow - rebuildWorkflowCache")
	}

	if lerr := s.listeners.StartListeners(ctx, wf, s.TriggerCallback); lerr != nil {
		s.listeners.StopListeners(ctx, wf)
		s.caches.DeleteWorkflowCache(ctx, workflowID)
		s.rollbackStatus(ctx, workflowID)
		return lerr.WithTrace("Service - ActivateWorkflow - StartListeners")
	}

	s.logger.Info("Workflow activated", zap.String("workflowID", workflowID))
	return nil
}

// TerminateWorkflow stops listeners, runs Terminate hooks, clears the
// workflow cache and every non-success execution cache, and marks the
// workflow inactive. Teardown is best-effort throughout; only the final
// status write can fail the call. In-flight queue jobs are not cancelled.
func (s *Service) TerminateWorkflow(ctx context.Context, workflowID string) *apperr.Error {
	wf, err := s.docs.GetWorkflow(ctx, workflowID)
	if err != nil {
		return apperr.NewInternal("Error getting workflow!", err,
			map[string]interface{}{"workflowId": workflowID},
			"Service - TerminateWorkflow - docs.GetWorkflow")
	}

	s.listeners.StopListeners(ctx, wf)
	s.runTerminateHooks(ctx, wf)
	s.caches.DeleteWorkflowCache(ctx, workflowID)
	s.caches.DeleteExecutionCachesByWorkflow(ctx, workflowID)

	inactive := workflow.StatusInactive
	if _, uerr := s.docs.UpdateWorkflow(ctx, workflowID, workflow.Update{Status: &inactive}); uerr != nil {
		return apperr.NewInternal("Error setting workflow inactive!", uerr,
			map[string]interface{}{"workflowId": workflowID},
			"Service - TerminateWorkflow - docs.UpdateWorkflow")
	}

	s.logger.Info("Workflow terminated", zap.String("workflowID", workflowID))
	return nil
}

// RestartListeners re-activates listeners for every live workflow. Called
// once at process start so listeners survive restarts. One workflow's
// failure is logged and the rest still start.
func (s *Service) RestartListeners(ctx context.Context) *apperr.Error {
	wfs, err := s.docs.ListWorkflows(ctx)
	if err != nil {
		return apperr.NewInternal("Error listing workflows!", err, nil,
			"Service - RestartListeners - docs.ListWorkflows")
	}

	restarted := 0
	for _, wf := range wfs {
		if wf.Status != workflow.StatusLive {
			continue
		}
		if lerr := s.listeners.StartListeners(ctx, wf, s.TriggerCallback); lerr != nil {
			s.logger.Error("Error restarting listeners",
				zap.String("workflowID", wf.ID),
				zap.Error(lerr))
			continue
		}
		restarted++
	}

	s.logger.Info("Listeners restarted", zap.Int("workflows", restarted))
	return nil
}

// TriggerCallback is the single entry point by which any trigger hands
// control back to the engine: it seeds a fresh execution cache entry, with
// the trigger payload recorded as the trigger node's response, and enqueues
// an execution job.
func (s *Service) TriggerCallback(ctx context.Context, userID, workflowID string, data interface{}, format node.Format, details node.TriggerDetails) *apperr.Error {
	executionID := uuid.NewString()

	fullName := ""
	if s.users != nil && userID != "" {
		name, err := s.users.FullName(ctx, userID)
		if err != nil {
			s.logger.Warn("Error resolving user name",
				zap.String("userID", userID),
				zap.Error(err))
		} else {
			fullName = name
		}
	}

	entry := &ExecutionCacheEntry{
		UserID:         userID,
		UserFullName:   fullName,
		WorkflowID:     workflowID,
		ExecutionID:    executionID,
		TriggerDetails: details,
		AllResponses: map[string]NodeResponse{
			details.NodeID: {
				Format:  format,
				Content: map[string]interface{}{"defaultData": data},
			},
		},
	}
	if err := s.caches.SetExecutionCache(ctx, entry); err != nil {
		return err.WithTrace("Service - TriggerCallback - SetExecutionCache")
	}

	if err := s.publisher.EnqueueExecution(ctx, queue.ExecutionJob{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
	}); err != nil {
		s.caches.DeleteExecutionCache(ctx, executionID)
		return err.WithTrace("Service - TriggerCallback - EnqueueExecution")
	}

	s.logger.Info("Execution triggered",
		zap.String("executionID", executionID),
		zap.String("workflowID", workflowID),
		zap.String("triggerType", details.Type))
	return nil
}

// runTerminateHooks calls Terminate on every node that holds releasable
// resources. Triggers are stopped via their listeners, tools and responders
// hold nothing, so those categories are skipped.
func (s *Service) runTerminateHooks(ctx context.Context, wf *workflow.Workflow) {
	for _, n := range wf.Nodes {
		switch n.Category {
		case workflow.CategoryTrigger, workflow.CategoryTool, workflow.CategoryResponder:
			continue
		}

		instance, err := s.registry.Instance(n.Type)
		if err != nil {
			s.logger.Error("Error resolving node for terminate hook",
				zap.String("workflowID", wf.ID),
				zap.String("nodeID", n.ID),
				zap.Error(err))
			continue
		}
		terminable, ok := instance.(node.Terminable)
		if !ok {
			continue
		}
		if terr := terminable.Terminate(ctx); terr != nil {
			s.logger.Error("Terminate hook failed",
				zap.String("workflowID", wf.ID),
				zap.String("nodeID", n.ID),
				zap.Error(terr))
		}
	}
}

// rollbackStatus best-effort flips the workflow back to inactive after a
// failed activation.
func (s *Service) rollbackStatus(ctx context.Context, workflowID string) {
	inactive := workflow.StatusInactive
	if _, err := s.docs.UpdateWorkflow(ctx, workflowID, workflow.Update{Status: &inactive}); err != nil {
		s.logger.Error("Error rolling back workflow status",
			zap.String("workflowID", workflowID),
			zap.Error(err))
	}
}
