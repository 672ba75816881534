package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/queue"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// jsStub is an in-memory queue.JSContext recording published messages and
// handing out queued pull messages.
type jsStub struct {
	mu        sync.Mutex
	published []publishedMsg
	sub       *subStub
}

type publishedMsg struct {
	subject string
	data    []byte
}

func newJSStub() *jsStub {
	return &jsStub{sub: &subStub{valid: true}}
}

func (s *jsStub) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, publishedMsg{subject: subj, data: data})
	return &nats.PubAck{}, nil
}

func (s *jsStub) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (queue.JSSubscription, error) {
	return s.sub, nil
}

func (s *jsStub) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return &nats.StreamInfo{}, nil
}

func (s *jsStub) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return &nats.StreamInfo{}, nil
}

func (s *jsStub) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return &nats.ConsumerInfo{}, nil
}

func (s *jsStub) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return &nats.ConsumerInfo{}, nil
}

func (s *jsStub) reports(t *testing.T) []queue.ReportJob {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []queue.ReportJob
	for _, msg := range s.published {
		if msg.subject != "reports.save" {
			continue
		}
		var job queue.ReportJob
		require.NoError(t, json.Unmarshal(msg.data, &job))
		jobs = append(jobs, job)
	}
	return jobs
}

type subStub struct {
	mu    sync.Mutex
	msgs  []*nats.Msg
	valid bool
}

func (s *subStub) Unsubscribe() error { return nil }
func (s *subStub) Drain() error       { return nil }
func (s *subStub) IsValid() bool      { return s.valid }

func (s *subStub) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil, nats.ErrTimeout
	}
	n := batch
	if n > len(s.msgs) {
		n = len(s.msgs)
	}
	out := s.msgs[:n]
	s.msgs = s.msgs[n:]
	return out, nil
}

// scriptedNode runs a per-test behavior for the single action node.
type scriptedNode struct {
	fn func(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error)
}

func (s *scriptedNode) Execute(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error) {
	return s.fn(ctx, input)
}

// captureResponder records final responses routed back to the trigger origin.
type captureResponder struct {
	mu       sync.Mutex
	payloads []engine.ResponderPayload
}

func (c *captureResponder) Execute(ctx context.Context, payload engine.ResponderPayload) (*node.Result, *apperr.Error) {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	return &node.Result{Status: node.StatusSuccess, Format: payload.Format, Content: payload.Data}, nil
}

func (c *captureResponder) sent() []engine.ResponderPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.ResponderPayload(nil), c.payloads...)
}

type workerFixture struct {
	js        *jsStub
	q         *queue.Queue
	caches    *engine.CacheService
	responder *captureResponder
	worker    *Worker
}

func newWorkerFixture(t *testing.T, actionFn func(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error)) *workerFixture {
	t.Helper()

	registry := node.NewRegistry()
	require.Nil(t, registry.Register(&node.Definition{
		Type:     "test-trigger",
		Category: workflow.CategoryTrigger,
		Factory:  func() interface{} { return struct{}{} },
	}))
	require.Nil(t, registry.Register(&node.Definition{
		Type:     "act",
		Category: workflow.CategoryAction,
		Factory:  func() interface{} { return &scriptedNode{fn: actionFn} },
	}))

	docs := workflow.NewMemoryStore(&workflow.Workflow{
		ID:     "w1",
		Status: workflow.StatusLive,
		Nodes: []workflow.Node{
			{ID: "t", Type: "test-trigger", Category: workflow.CategoryTrigger},
			{ID: "a", Type: "act", Category: workflow.CategoryAction},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "a"}},
	})

	caches := engine.NewCacheService(cache.NewMemoryStore(), docs, registry, engine.DefaultCacheConfig(), nil)
	responder := &captureResponder{}
	dispatcher := engine.NewDispatcher(map[string]engine.Responder{node.TriggerInteract: responder}, nil)
	executor := engine.NewExecutor(caches, dispatcher, registry, docs, nil, nil)

	js := newJSStub()
	q, qerr := queue.NewQueue(js, queue.DefaultConfig(), nil)
	require.Nil(t, qerr)

	worker, err := NewWorker(q, executor, caches, dispatcher, 4, 1, time.Minute, zap.NewNop(), nil)
	require.NoError(t, err)

	return &workerFixture{js: js, q: q, caches: caches, responder: responder, worker: worker}
}

func (f *workerFixture) seedExecution(t *testing.T, executionID string) {
	t.Helper()
	require.Nil(t, f.caches.SetExecutionCache(context.Background(), &engine.ExecutionCacheEntry{
		UserID:      "u1",
		WorkflowID:  "w1",
		ExecutionID: executionID,
		TriggerDetails: node.TriggerDetails{
			Type:   node.TriggerInteract,
			NodeID: "t",
			UserID: "u1",
		},
		AllResponses: map[string]engine.NodeResponse{
			"t": {Format: node.FormatString, Content: map[string]interface{}{"defaultData": "go"}},
		},
	}))
}

// pullJob routes a job through the queue so the JobMsg carries real ack
// handles, the same shape the puller hands to workers.
func (f *workerFixture) pullJob(t *testing.T, executionID string) *queue.JobMsg {
	t.Helper()
	data, err := json.Marshal(queue.ExecutionJob{ExecutionID: executionID, WorkflowID: "w1"})
	require.NoError(t, err)
	f.js.sub.msgs = []*nats.Msg{{Data: data}}

	jobs, perr := f.q.PullExecutions(context.Background(), 1, 10*time.Millisecond)
	require.Nil(t, perr)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func successFn(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error) {
	return &node.Result{
		Status:  node.StatusSuccess,
		Format:  node.FormatString,
		Content: map[string]interface{}{"defaultData": "done"},
	}, nil
}

func TestProcessJobSuccess(t *testing.T) {
	f := newWorkerFixture(t, successFn)
	f.seedExecution(t, "e1")
	job := f.pullJob(t, "e1")

	f.worker.processJob(context.Background(), 0, job)

	reports := f.js.reports(t)
	require.Len(t, reports, 1)
	assert.Equal(t, "w1", reports[0].WorkflowID)
	assert.Equal(t, "e1", reports[0].Updates.Report.ExecutionID)
	assert.Equal(t, workflow.ExecutionSuccess, reports[0].Updates.Report.ExecutionStatus)

	// Terminal run: no final response on success, cache cleaned up.
	assert.Empty(t, f.responder.sent())
	_, gerr := f.caches.GetExecutionCache(context.Background(), "e1")
	require.NotNil(t, gerr)
	assert.Equal(t, apperr.NotFound, gerr.Type)
}

func TestProcessJobFailureReportsAndResponds(t *testing.T) {
	f := newWorkerFixture(t, func(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error) {
		return nil, apperr.NewBadRequest("Bad node input!", nil, "act - Execute - boom")
	})
	f.seedExecution(t, "e1")
	job := f.pullJob(t, "e1")

	f.worker.processJob(context.Background(), 0, job)

	reports := f.js.reports(t)
	require.Len(t, reports, 1)
	assert.Equal(t, workflow.ExecutionFailed, reports[0].Updates.Report.ExecutionStatus)

	sent := f.responder.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Bad node input!", sent[0].Data["defaultData"])
	assert.Equal(t, "u1", sent[0].Details.UserID)

	// Failed executions release their cache too.
	_, gerr := f.caches.GetExecutionCache(context.Background(), "e1")
	require.NotNil(t, gerr)
	assert.Equal(t, apperr.NotFound, gerr.Type)
}

func TestProcessJobHoldReportsStarted(t *testing.T) {
	f := newWorkerFixture(t, func(ctx context.Context, input node.ExecuteInput) (*node.Result, *apperr.Error) {
		return &node.Result{Status: node.StatusHold, Hold: "Waiting for approval"}, nil
	})
	f.seedExecution(t, "e1")
	job := f.pullJob(t, "e1")

	f.worker.processJob(context.Background(), 0, job)

	reports := f.js.reports(t)
	require.Len(t, reports, 1)
	assert.Equal(t, workflow.ExecutionStarted, reports[0].Updates.Report.ExecutionStatus)

	sent := f.responder.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Waiting for approval", sent[0].Data["defaultData"])
}

func TestProcessJobMissingCacheDropsJob(t *testing.T) {
	f := newWorkerFixture(t, successFn)
	job := f.pullJob(t, "ghost")

	f.worker.processJob(context.Background(), 0, job)

	assert.Empty(t, f.js.reports(t))
	assert.Empty(t, f.responder.sent())
}

func TestSendFinalResponseContentPrecedence(t *testing.T) {
	f := newWorkerFixture(t, successFn)
	details := node.TriggerDetails{Type: node.TriggerInteract, NodeID: "t", UserID: "u1"}

	// Hold content wins over the error message, which wins over the default.
	f.worker.sendFinalResponse(details,
		&engine.Outcome{Status: node.StatusHold, Content: "On hold"},
		apperr.NewBadRequest("Bad!", nil, "A - B - c"), "e1")
	f.worker.sendFinalResponse(details, nil,
		apperr.NewBadRequest("Bad!", nil, "A - B - c"), "e2")
	f.worker.sendFinalResponse(details, nil, nil, "e3")

	sent := f.responder.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "On hold", sent[0].Data["defaultData"])
	assert.Equal(t, "Bad!", sent[1].Data["defaultData"])
	assert.Equal(t, "Mission failed!", sent[2].Data["defaultData"])
}

func TestNewWorkerValidatesParams(t *testing.T) {
	f := newWorkerFixture(t, successFn)
	logger := zap.NewNop()

	executor := engine.NewExecutor(f.caches, engine.NewDispatcher(nil, nil), node.NewRegistry(), workflow.NewMemoryStore(), nil, nil)
	dispatcher := engine.NewDispatcher(nil, nil)

	tests := []struct {
		name string
		make func() (*Worker, error)
	}{
		{"nil queue", func() (*Worker, error) {
			return NewWorker(nil, executor, f.caches, dispatcher, 1, 1, time.Minute, logger, nil)
		}},
		{"nil executor", func() (*Worker, error) {
			return NewWorker(f.q, nil, f.caches, dispatcher, 1, 1, time.Minute, logger, nil)
		}},
		{"nil cache service", func() (*Worker, error) {
			return NewWorker(f.q, executor, nil, dispatcher, 1, 1, time.Minute, logger, nil)
		}},
		{"nil dispatcher", func() (*Worker, error) {
			return NewWorker(f.q, executor, f.caches, nil, 1, 1, time.Minute, logger, nil)
		}},
		{"zero batch size", func() (*Worker, error) {
			return NewWorker(f.q, executor, f.caches, dispatcher, 0, 1, time.Minute, logger, nil)
		}},
		{"zero workers", func() (*Worker, error) {
			return NewWorker(f.q, executor, f.caches, dispatcher, 1, 0, time.Minute, logger, nil)
		}},
		{"zero timeout", func() (*Worker, error) {
			return NewWorker(f.q, executor, f.caches, dispatcher, 1, 1, 0, logger, nil)
		}},
		{"nil logger", func() (*Worker, error) {
			return NewWorker(f.q, executor, f.caches, dispatcher, 1, 1, time.Minute, nil, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.make()
			assert.Error(t, err)
		})
	}
}
