package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

const (
	executionCachePrefix = "execution-cache-"
	workflowCachePrefix  = "workflow-cache-"
)

// CacheConfig controls workflow-cache expiry.
type CacheConfig struct {
	// WorkflowTTL is the full lifetime of a workflow cache entry.
	WorkflowTTL time.Duration

	// RenewBelow is the sliding-expiration threshold: a read that finds less
	// remaining TTL than this rewrites the entry with the full WorkflowTTL.
	RenewBelow time.Duration
}

// DefaultCacheConfig returns the production expiry windows.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		WorkflowTTL: 10 * time.Minute,
		RenewBelow:  time.Minute,
	}
}

// CacheService mediates all access to execution and workflow cache entries.
// Workflow entries are rebuilt from the canonical workflow document on a
// miss; execution entries must be seeded by the trigger callback before any
// read.
type CacheService struct {
	store    cache.Store
	docs     workflow.Store
	registry *node.Registry
	config   CacheConfig
	logger   *zap.Logger
}

// NewCacheService creates a cache service.
func NewCacheService(store cache.Store, docs workflow.Store, registry *node.Registry, config CacheConfig, logger *zap.Logger) *CacheService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{
		store:    store,
		docs:     docs,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// GetWorkflowExecutionCache merges the execution entry and the workflow
// entry into one execution context. The execution entry must exist; the
// workflow entry is rebuilt and persisted on a miss, failing if the workflow
// document has been deleted.
func (s *CacheService) GetWorkflowExecutionCache(ctx context.Context, executionID string) (*ExecutionContext, *apperr.Error) {
	execution, err := s.GetExecutionCache(ctx, executionID)
	if err != nil {
		return nil, err.WithTrace("CacheService - GetWorkflowExecutionCache - GetExecutionCache")
	}

	wfCache, err := s.getWorkflowCache(ctx, execution.WorkflowID)
	if err != nil {
		wfCache, err = s.rebuildWorkflowCache(ctx, execution.WorkflowID)
		if err != nil {
			return nil, err.WithTrace("CacheService - GetWorkflowExecutionCache - rebuildWorkflowCache")
		}
	}

	return &ExecutionContext{
		ExecutionCacheEntry: *execution,
		WorkflowCacheEntry:  *wfCache,
	}, nil
}

// GetExecutionCache fetches the execution entry by id. Absence is NotFound:
// an execution must be seeded before this call.
func (s *CacheService) GetExecutionCache(ctx context.Context, executionID string) (*ExecutionCacheEntry, *apperr.Error) {
	raw, err := s.store.Get(ctx, executionCachePrefix+executionID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, apperr.NewNotFound("Execution cache not found!",
				map[string]interface{}{"executionId": executionID},
				"CacheService - GetExecutionCache - store.Get")
		}
		return nil, apperr.NewInternal("Error getting execution state cache!", err,
			map[string]interface{}{"executionId": executionID},
			"CacheService - GetExecutionCache - store.Get")
	}

	var entry ExecutionCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, apperr.NewInternal("Error decoding execution state cache!", err,
			map[string]interface{}{"executionId": executionID},
			"CacheService - GetExecutionCache - json.Unmarshal")
	}
	return &entry, nil
}

// SetExecutionCache writes the execution entry. Execution entries never
// expire; they are deleted explicitly when the execution terminates.
func (s *CacheService) SetExecutionCache(ctx context.Context, entry *ExecutionCacheEntry) *apperr.Error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperr.NewInternal("Error encoding execution state cache!", err,
			map[string]interface{}{"executionId": entry.ExecutionID},
			"CacheService - SetExecutionCache - json.Marshal")
	}
	if err := s.store.Set(ctx, executionCachePrefix+entry.ExecutionID, raw, cache.NoExpiry); err != nil {
		return apperr.NewInternal("Error setting execution state cache!", err,
			map[string]interface{}{"executionId": entry.ExecutionID},
			"CacheService - SetExecutionCache - store.Set")
	}
	return nil
}

// UpdateExecutionResponse records one node's output, preserving all other
// nodes' prior outputs. Updates for disjoint node ids commute.
func (s *CacheService) UpdateExecutionResponse(ctx context.Context, executionID, nodeID string, format node.Format, content map[string]interface{}) *apperr.Error {
	entry, err := s.GetExecutionCache(ctx, executionID)
	if err != nil {
		return err.WithTrace("CacheService - UpdateExecutionResponse - GetExecutionCache")
	}

	if entry.AllResponses == nil {
		entry.AllResponses = make(map[string]NodeResponse)
	}
	entry.AllResponses[nodeID] = NodeResponse{Format: format, Content: content}

	if err := s.SetExecutionCache(ctx, entry); err != nil {
		return err.WithTrace("CacheService - UpdateExecutionResponse - SetExecutionCache")
	}
	return nil
}

// DeleteExecutionCache removes the execution entry. Best-effort: failures
// are logged, never propagated.
func (s *CacheService) DeleteExecutionCache(ctx context.Context, executionID string) {
	if err := s.store.Delete(ctx, executionCachePrefix+executionID); err != nil {
		s.logger.Error("Error deleting execution state cache",
			zap.String("executionID", executionID),
			zap.Error(err))
	}
}

// DeleteExecutionCachesByWorkflow enumerates the workflow's run history and
// deletes every execution cache entry whose reported status is not success.
// Best-effort cleanup: deletion errors are logged and skipped.
func (s *CacheService) DeleteExecutionCachesByWorkflow(ctx context.Context, workflowID string) {
	wf, err := s.docs.GetWorkflow(ctx, workflowID)
	if err != nil {
		s.logger.Error("Error loading workflow for execution cache cleanup",
			zap.String("workflowID", workflowID),
			zap.Error(err))
		return
	}

	for _, report := range wf.Report {
		if report.ExecutionStatus == workflow.ExecutionSuccess {
			continue
		}
		if err := s.store.Delete(ctx, executionCachePrefix+report.ExecutionID); err != nil {
			s.logger.Error("Error deleting execution state cache",
				zap.String("workflowID", workflowID),
				zap.String("executionID", report.ExecutionID),
				zap.Error(err))
		}
	}
}

// SetWorkflowCache writes the workflow entry with the full TTL.
func (s *CacheService) SetWorkflowCache(ctx context.Context, entry *WorkflowCacheEntry) *apperr.Error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperr.NewInternal("Error encoding workflow cache!", err,
			map[string]interface{}{"workflowId": entry.WorkflowID},
			"CacheService - SetWorkflowCache - json.Marshal")
	}
	if err := s.store.Set(ctx, workflowCachePrefix+entry.WorkflowID, raw, s.config.WorkflowTTL); err != nil {
		return apperr.NewInternal("Error setting workflow cache!", err,
			map[string]interface{}{"workflowId": entry.WorkflowID},
			"CacheService - SetWorkflowCache - store.Set")
	}
	return nil
}

// DeleteWorkflowCache removes the workflow entry. Best-effort.
func (s *CacheService) DeleteWorkflowCache(ctx context.Context, workflowID string) {
	if err := s.store.Delete(ctx, workflowCachePrefix+workflowID); err != nil {
		s.logger.Error("Error deleting workflow cache",
			zap.String("workflowID", workflowID),
			zap.Error(err))
	}
}

// getWorkflowCache reads the workflow entry and renews its TTL when the
// remaining lifetime falls below the renewal threshold.
func (s *CacheService) getWorkflowCache(ctx context.Context, workflowID string) (*WorkflowCacheEntry, *apperr.Error) {
	key := workflowCachePrefix + workflowID

	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, apperr.NewNotFound("Workflow cache not found!",
				map[string]interface{}{"workflowId": workflowID},
				"CacheService - getWorkflowCache - store.Get")
		}
		return nil, apperr.NewInternal("Error getting workflow cache!", err,
			map[string]interface{}{"workflowId": workflowID},
			"CacheService - getWorkflowCache - store.Get")
	}

	var entry WorkflowCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, apperr.NewInternal("Error decoding workflow cache!", err,
			map[string]interface{}{"workflowId": workflowID},
			"CacheService - getWorkflowCache - json.Unmarshal")
	}

	ttl, err := s.store.TTL(ctx, key)
	if err != nil {
		return nil, apperr.NewInternal("Error getting workflow cache TTL!", err,
			map[string]interface{}{"workflowId": workflowID},
			"CacheService - getWorkflowCache - store.TTL")
	}
	if ttl != cache.NoExpiry && ttl < s.config.RenewBelow {
		if werr := s.SetWorkflowCache(ctx, &entry); werr != nil {
			return nil, werr.WithTrace("CacheService - getWorkflowCache - SetWorkflowCache")
		}
	}

	return &entry, nil
}

// rebuildWorkflowCache reparses the canonical workflow document and persists
// the fresh entry. Concurrent rebuilds for the same workflow are resolved
// last-write-wins; the document store stays the source of truth.
func (s *CacheService) rebuildWorkflowCache(ctx context.Context, workflowID string) (*WorkflowCacheEntry, *apperr.Error) {
	wf, err := s.docs.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, apperr.NewInternal(
			fmt.Sprintf("Error getting workflow %s!", workflowID), err,
			map[string]interface{}{"workflowId": workflowID},
			"CacheService - rebuildWorkflowCache - docs.GetWorkflow")
	}
	if wf.Status == workflow.StatusDeleted {
		return nil, apperr.NewNotFound("Workflow has been deleted!",
			map[string]interface{}{"workflowId": workflowID},
			"CacheService - rebuildWorkflowCache - status deleted")
	}

	if _, terr := workflow.TriggerNodes(wf.ID, wf.Nodes, wf.Edges); terr != nil {
		return nil, terr.WithTrace("CacheService - rebuildWorkflowCache - TriggerNodes")
	}

	nodeMap, nerr := node.BuildNodeMap(wf, s.registry)
	if nerr != nil {
		return nil, nerr.WithTrace("CacheService - rebuildWorkflowCache - BuildNodeMap")
	}

	entry := &WorkflowCacheEntry{
		WorkflowID:      wf.ID,
		ConnectionMap:   workflow.BuildConnectionMap(wf.Nodes, wf.Edges),
		NodeMap:         nodeMap,
		GeneralSettings: wf.GeneralSettings,
	}
	if werr := s.SetWorkflowCache(ctx, entry); werr != nil {
		return nil, werr.WithTrace("CacheService - rebuildWorkflowCache - SetWorkflowCache")
	}

	return entry, nil
}
