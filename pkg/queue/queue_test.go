package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// mockJS is an in-memory JSContext for tests. publishErrs is consumed one
// entry per Publish call; a nil entry means success.
type mockJS struct {
	mu          sync.Mutex
	streams     map[string]bool
	consumers   map[string]bool
	published   []publishedMsg
	publishErrs []error
	sub         *mockSub

	addedStreams   []string
	addedConsumers []string
}

func newMockJS() *mockJS {
	return &mockJS{
		streams:   make(map[string]bool),
		consumers: make(map[string]bool),
		sub:       &mockSub{valid: true},
	}
}

func (m *mockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if len(m.publishErrs) > 0 {
		err = m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
	}
	if err != nil {
		return nil, err
	}
	m.published = append(m.published, publishedMsg{subject: subj, data: data})
	return &nats.PubAck{Stream: subj}, nil
}

func (m *mockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	return m.sub, nil
}

func (m *mockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streams[stream] {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: nats.StreamConfig{Name: stream}}, nil
}

func (m *mockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[cfg.Name] = true
	m.addedStreams = append(m.addedStreams, cfg.Name)
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (m *mockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.consumers[consumer] {
		return nil, nats.ErrConsumerNotFound
	}
	return &nats.ConsumerInfo{Name: consumer}, nil
}

func (m *mockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[cfg.Durable] = true
	m.addedConsumers = append(m.addedConsumers, cfg.Durable)
	return &nats.ConsumerInfo{Name: cfg.Durable}, nil
}

func (m *mockJS) lastPublished(t *testing.T) publishedMsg {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.published)
	return m.published[len(m.published)-1]
}

// mockSub hands out queued messages and then times out.
type mockSub struct {
	mu    sync.Mutex
	msgs  []*nats.Msg
	valid bool
}

func (s *mockSub) Unsubscribe() error { return nil }
func (s *mockSub) Drain() error       { return nil }
func (s *mockSub) IsValid() bool      { return s.valid }

func (s *mockSub) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
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

func testConfig() Config {
	config := DefaultConfig()
	config.PublishRetryWait = time.Millisecond
	return config
}

func newTestQueue(t *testing.T, js *mockJS) *Queue {
	t.Helper()
	q, err := NewQueue(js, testConfig(), nil)
	require.Nil(t, err)
	return q
}

func TestNewQueueCreatesMissingStreams(t *testing.T) {
	js := newMockJS()
	newTestQueue(t, js)

	assert.ElementsMatch(t, []string{"EXECUTIONS", "REPORTS"}, js.addedStreams)
}

func TestNewQueueKeepsExistingStreams(t *testing.T) {
	js := newMockJS()
	js.streams["EXECUTIONS"] = true
	js.streams["REPORTS"] = true

	newTestQueue(t, js)
	assert.Empty(t, js.addedStreams)
}

func TestNewQueueRequiresJSContext(t *testing.T) {
	_, err := NewQueue(nil, testConfig(), nil)
	require.NotNil(t, err)
	assert.Equal(t, apperr.BadRequest, err.Type)
}

func TestEnqueueExecutionValidatesIDs(t *testing.T) {
	q := newTestQueue(t, newMockJS())

	err := q.EnqueueExecution(context.Background(), ExecutionJob{WorkflowID: "w1"})
	require.NotNil(t, err)
	assert.Equal(t, apperr.BadRequest, err.Type)

	err = q.EnqueueExecution(context.Background(), ExecutionJob{ExecutionID: "e1"})
	require.NotNil(t, err)
	assert.Equal(t, apperr.BadRequest, err.Type)
}

func TestEnqueueExecutionPublishesJob(t *testing.T) {
	js := newMockJS()
	q := newTestQueue(t, js)

	require.Nil(t, q.EnqueueExecution(context.Background(), ExecutionJob{
		ExecutionID: "e1",
		WorkflowID:  "w1",
	}))

	msg := js.lastPublished(t)
	assert.Equal(t, "executions.run", msg.subject)

	var job ExecutionJob
	require.NoError(t, json.Unmarshal(msg.data, &job))
	assert.Equal(t, "e1", job.ExecutionID)
	assert.Equal(t, "w1", job.WorkflowID)
}

func TestEnqueueReportPublishesJob(t *testing.T) {
	js := newMockJS()
	q := newTestQueue(t, js)

	require.Nil(t, q.EnqueueReport(context.Background(), ReportJob{
		WorkflowID: "w1",
		Updates: ReportUpdates{Report: workflow.ExecutionReport{
			ExecutionID:     "e1",
			ExecutionStatus: workflow.ExecutionFailed,
		}},
	}))

	msg := js.lastPublished(t)
	assert.Equal(t, "reports.save", msg.subject)

	var job ReportJob
	require.NoError(t, json.Unmarshal(msg.data, &job))
	assert.Equal(t, workflow.ExecutionFailed, job.Updates.Report.ExecutionStatus)
}

func TestEnqueueReportValidatesIDs(t *testing.T) {
	q := newTestQueue(t, newMockJS())

	err := q.EnqueueReport(context.Background(), ReportJob{WorkflowID: "w1"})
	require.NotNil(t, err)
	assert.Equal(t, apperr.BadRequest, err.Type)
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	js := newMockJS()
	q := newTestQueue(t, js)
	js.publishErrs = []error{errors.New("connection reset")}

	require.Nil(t, q.EnqueueExecution(context.Background(), ExecutionJob{
		ExecutionID: "e1",
		WorkflowID:  "w1",
	}))
	assert.Len(t, js.published, 1)
}

func TestPublishExhaustsRetries(t *testing.T) {
	js := newMockJS()
	q := newTestQueue(t, js)
	// One initial attempt plus PublishMaxRetries retries, all failing.
	for i := 0; i < testConfig().PublishMaxRetries+1; i++ {
		js.publishErrs = append(js.publishErrs, errors.New("connection reset"))
	}

	err := q.EnqueueExecution(context.Background(), ExecutionJob{
		ExecutionID: "e1",
		WorkflowID:  "w1",
	})
	require.NotNil(t, err)
	assert.Equal(t, apperr.InternalServerError, err.Type)
	assert.Empty(t, js.published)
}

func TestPullExecutionsDecodesJobs(t *testing.T) {
	js := newMockJS()
	q := newTestQueue(t, js)

	good, _ := json.Marshal(ExecutionJob{ExecutionID: "e1", WorkflowID: "w1"})
	js.sub.msgs = []*nats.Msg{
		{Data: good},
		{Data: []byte("not json")},
	}

	jobs, err := q.PullExecutions(context.Background(), 10, 50*time.Millisecond)
	require.Nil(t, err)

	// The undecodable message is terminated and skipped.
	require.Len(t, jobs, 1)
	assert.Equal(t, "e1", jobs[0].Job.ExecutionID)
	assert.Equal(t, "w1", jobs[0].Job.WorkflowID)

	// The durable consumer was created on first pull.
	assert.Equal(t, []string{"execution-workers"}, js.addedConsumers)
}

func TestPullExecutionsTimeoutIsEmpty(t *testing.T) {
	js := newMockJS()
	q := newTestQueue(t, js)

	jobs, err := q.PullExecutions(context.Background(), 10, time.Millisecond)
	require.Nil(t, err)
	assert.Empty(t, jobs)
}

func TestPullExecutionsReusesSubscription(t *testing.T) {
	js := newMockJS()
	q := newTestQueue(t, js)

	_, err := q.PullExecutions(context.Background(), 10, time.Millisecond)
	require.Nil(t, err)
	_, err = q.PullExecutions(context.Background(), 10, time.Millisecond)
	require.Nil(t, err)

	assert.Len(t, js.addedConsumers, 1)
}
