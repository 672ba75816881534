package engine

import (
	"context"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/queue"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// fakeExec is an Executable whose behavior is supplied per test.
type fakeExec struct {
	fn func(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error)
}

func (f *fakeExec) Execute(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error) {
	return f.fn(ctx, input)
}

// recordingResponder captures every payload it is asked to deliver.
type recordingResponder struct {
	mu       sync.Mutex
	payloads []ResponderPayload
	err      *apperr.Error
}

func (r *recordingResponder) Execute(ctx context.Context, payload ResponderPayload) (*node.Result, *apperr.Error) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &node.Result{Status: node.StatusSuccess, Format: payload.Format, Content: payload.Data}, nil
}

func (r *recordingResponder) sent() []ResponderPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ResponderPayload(nil), r.payloads...)
}

// stubPublisher records enqueued jobs.
type stubPublisher struct {
	mu            sync.Mutex
	executions    []queue.ExecutionJob
	reports       []queue.ReportJob
	failExecution *apperr.Error
}

func (p *stubPublisher) EnqueueExecution(ctx context.Context, job queue.ExecutionJob) *apperr.Error {
	p.mu.Lock()
	p.executions = append(p.executions, job)
	p.mu.Unlock()
	return p.failExecution
}

func (p *stubPublisher) EnqueueReport(ctx context.Context, job queue.ReportJob) *apperr.Error {
	p.mu.Lock()
	p.reports = append(p.reports, job)
	p.mu.Unlock()
	return nil
}

// fakeListenable counts listener starts and stops.
type fakeListenable struct {
	mu       sync.Mutex
	started  []node.ListenerRequest
	stopped  []string
	startErr *apperr.Error
}

func (f *fakeListenable) StartListener(ctx context.Context, req node.ListenerRequest) *apperr.Error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = append(f.started, req)
	f.mu.Unlock()
	uniqueKey := req.TriggerNodeID
	if token, _ := req.Config["access_token"].(string); token != "" {
		uniqueKey = token
	}
	return req.Store(node.TriggerCron, uniqueKey, f)
}

func (f *fakeListenable) StopListener(ctx context.Context, listener interface{}, uniqueKey string) *apperr.Error {
	f.mu.Lock()
	f.stopped = append(f.stopped, uniqueKey)
	f.mu.Unlock()
	return nil
}

func (f *fakeListenable) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

// mustRegister panics on registration failure; test setup only.
func mustRegister(registry *node.Registry, defs ...*node.Definition) {
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			panic(err.Error())
		}
	}
}

// triggerDef registers a non-listenable trigger placeholder.
func triggerDef(nodeType string) *node.Definition {
	return &node.Definition{
		Type:     nodeType,
		Category: workflow.CategoryTrigger,
		Factory:  func() interface{} { return struct{}{} },
	}
}

// execDef registers an Action node backed by fn.
func execDef(nodeType string, category workflow.Category, fn func(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error)) *node.Definition {
	return &node.Definition{
		Type:     nodeType,
		Category: category,
		Factory:  func() interface{} { return &fakeExec{fn: fn} },
	}
}
