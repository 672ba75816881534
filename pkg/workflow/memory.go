package workflow

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store implementation used by tests and
// examples. The backing document database lives outside this module.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore creates a store seeded with the given workflows.
func NewMemoryStore(workflows ...*Workflow) *MemoryStore {
	s := &MemoryStore{workflows: make(map[string]*Workflow, len(workflows))}
	for _, wf := range workflows {
		s.workflows[wf.ID] = wf
	}
	return s
}

// PutWorkflow inserts or replaces a workflow document.
func (s *MemoryStore) PutWorkflow(wf *Workflow) {
	s.mu.Lock()
	s.workflows[wf.ID] = wf
	s.mu.Unlock()
}

// GetWorkflow returns the workflow by id.
func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return wf, nil
}

// UpdateWorkflow applies a partial update: status flip, per-node config
// patches and report history append.
func (s *MemoryStore) UpdateWorkflow(ctx context.Context, workflowID string, update Update) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}

	if update.Status != nil {
		wf.Status = *update.Status
	}
	for _, patch := range update.Config {
		if wf.Config == nil {
			wf.Config = make(map[string]map[string]interface{})
		}
		cfg, ok := wf.Config[patch.NodeID]
		if !ok || cfg == nil {
			cfg = make(map[string]interface{})
			wf.Config[patch.NodeID] = cfg
		}
		for k, v := range patch.Updates {
			cfg[k] = v
		}
	}
	if update.Report != nil {
		wf.Report = append(wf.Report, *update.Report)
	}

	return wf, nil
}

// ListWorkflows returns all stored workflows.
func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wfs := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		wfs = append(wfs, wf)
	}
	return wfs, nil
}
