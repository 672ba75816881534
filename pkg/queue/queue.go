// Package queue carries execution and report jobs over NATS JetStream. A
// trigger enqueues an execution job, the worker pool pulls it, and the worker
// enqueues a report job with the terminal status once the run finishes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// ExecutionJob asks a worker to run one execution. All execution state lives
// in the execution cache; the job carries only the identifiers.
type ExecutionJob struct {
	ExecutionID string `json:"executionId"`
	WorkflowID  string `json:"workflowId"`
}

// ReportUpdates is the updates block of a report job.
type ReportUpdates struct {
	Report workflow.ExecutionReport `json:"report"`
}

// ReportJob appends one execution's terminal status to the workflow's run
// history. Consumed by the document-store writer, not by this module.
type ReportJob struct {
	WorkflowID string        `json:"workflowId"`
	Updates    ReportUpdates `json:"updates"`
}

// Publisher is the enqueue-side surface triggers and workers depend on.
type Publisher interface {
	EnqueueExecution(ctx context.Context, job ExecutionJob) *apperr.Error
	EnqueueReport(ctx context.Context, job ReportJob) *apperr.Error
}

// JSContext is the minimal subset of JetStream operations the queue depends
// on, so tests can provide a mock without a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts the pull subscription operations the queue uses.
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error       { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool      { return s.sub.IsValid() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// Config holds the stream and consumer layout plus delivery tuning.
type Config struct {
	// ExecutionStream / ExecutionSubject carry execution jobs.
	ExecutionStream  string
	ExecutionSubject string

	// ReportStream / ReportSubject carry report jobs.
	ReportStream  string
	ReportSubject string

	// ConsumerName is the durable consumer shared by the worker pool.
	ConsumerName string

	// MaxDeliver is the maximum number of delivery attempts per job before
	// JetStream stops redelivering it.
	MaxDeliver int

	// PublishMaxRetries is the number of retry attempts for a failed publish.
	PublishMaxRetries int

	// PublishRetryWait is the delay between publish retries.
	PublishRetryWait time.Duration
}

// DefaultConfig returns the production stream layout.
func DefaultConfig() Config {
	return Config{
		ExecutionStream:   "EXECUTIONS",
		ExecutionSubject:  "executions.run",
		ReportStream:      "REPORTS",
		ReportSubject:     "reports.save",
		ConsumerName:      "execution-workers",
		MaxDeliver:        5,
		PublishMaxRetries: 3,
		PublishRetryWait:  time.Second,
	}
}

// Queue is the JetStream-backed job queue.
type Queue struct {
	js     JSContext
	config Config
	logger *zap.Logger

	executions JSSubscription
}

// NewQueue creates a queue over the given JetStream context and ensures the
// execution and report streams exist.
func NewQueue(js JSContext, config Config, logger *zap.Logger) (*Queue, *apperr.Error) {
	if js == nil {
		return nil, apperr.NewBadRequest("JetStream context cannot be nil!", nil,
			"queue - NewQueue - nil JSContext")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{js: js, config: config, logger: logger}

	if err := q.ensureStream(config.ExecutionStream, config.ExecutionSubject); err != nil {
		return nil, err.WithTrace("queue - NewQueue - ensureStream executions")
	}
	if err := q.ensureStream(config.ReportStream, config.ReportSubject); err != nil {
		return nil, err.WithTrace("queue - NewQueue - ensureStream reports")
	}

	return q, nil
}

// EnqueueExecution publishes an execution job.
func (q *Queue) EnqueueExecution(ctx context.Context, job ExecutionJob) *apperr.Error {
	if job.ExecutionID == "" || job.WorkflowID == "" {
		return apperr.NewBadRequest("Execution job requires execution and workflow ids!",
			map[string]interface{}{"executionId": job.ExecutionID, "workflowId": job.WorkflowID},
			"queue - EnqueueExecution - missing ids")
	}
	if err := q.publish(ctx, q.config.ExecutionSubject, job); err != nil {
		return err.WithTrace("queue - EnqueueExecution - publish")
	}
	q.logger.Info("Execution job enqueued",
		zap.String("executionID", job.ExecutionID),
		zap.String("workflowID", job.WorkflowID))
	return nil
}

// EnqueueReport publishes a report job.
func (q *Queue) EnqueueReport(ctx context.Context, job ReportJob) *apperr.Error {
	if job.WorkflowID == "" || job.Updates.Report.ExecutionID == "" {
		return apperr.NewBadRequest("Report job requires workflow and execution ids!",
			map[string]interface{}{"workflowId": job.WorkflowID},
			"queue - EnqueueReport - missing ids")
	}
	if err := q.publish(ctx, q.config.ReportSubject, job); err != nil {
		return err.WithTrace("queue - EnqueueReport - publish")
	}
	return nil
}

// JobMsg is one pulled execution job with its acknowledgment handles. Ack
// removes the job; Nak schedules redelivery.
type JobMsg struct {
	Job ExecutionJob
	msg *nats.Msg
}

// Ack acknowledges the job so it is not redelivered.
func (m *JobMsg) Ack() error {
	return m.msg.Ack()
}

// Nak negatively acknowledges the job, requesting redelivery.
func (m *JobMsg) Nak() error {
	return m.msg.Nak()
}

// PullExecutions fetches up to batch execution jobs, waiting up to wait for
// the first one. A timeout with no jobs returns an empty slice, not an error.
// Jobs that fail to decode are terminated via Ack and skipped.
func (q *Queue) PullExecutions(ctx context.Context, batch int, wait time.Duration) ([]*JobMsg, *apperr.Error) {
	if q.executions == nil || !q.executions.IsValid() {
		if err := q.ensureConsumer(); err != nil {
			return nil, err.WithTrace("queue - PullExecutions - ensureConsumer")
		}
		sub, err := q.js.PullSubscribe(q.config.ExecutionSubject, q.config.ConsumerName,
			nats.Bind(q.config.ExecutionStream, q.config.ConsumerName))
		if err != nil {
			return nil, apperr.NewInternal("Error subscribing to execution jobs!", err,
				map[string]interface{}{"stream": q.config.ExecutionStream},
				"queue - PullExecutions - PullSubscribe")
		}
		q.executions = sub
	}

	type fetchResult struct {
		msgs []*nats.Msg
		err  error
	}
	resultCh := make(chan fetchResult, 1)

	go func() {
		msgs, err := q.executions.Fetch(batch, nats.MaxWait(wait))
		resultCh <- fetchResult{msgs: msgs, err: err}
	}()

	var msgs []*nats.Msg
	select {
	case <-ctx.Done():
		return nil, apperr.NewInternal("Fetch cancelled!", ctx.Err(), nil,
			"queue - PullExecutions - context done")
	case res := <-resultCh:
		if res.err != nil {
			if res.err == nats.ErrTimeout || res.err == context.DeadlineExceeded {
				return nil, nil
			}
			return nil, apperr.NewInternal("Error fetching execution jobs!", res.err,
				map[string]interface{}{"stream": q.config.ExecutionStream},
				"queue - PullExecutions - Fetch")
		}
		msgs = res.msgs
	}

	jobs := make([]*JobMsg, 0, len(msgs))
	for _, msg := range msgs {
		var job ExecutionJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Error("Dropping undecodable execution job", zap.Error(err))
			_ = msg.Ack()
			continue
		}
		jobs = append(jobs, &JobMsg{Job: job, msg: msg})
	}
	return jobs, nil
}

// Close drains the pull subscription.
func (q *Queue) Close() {
	if q.executions != nil {
		if err := q.executions.Drain(); err != nil {
			q.logger.Error("Error draining execution subscription", zap.Error(err))
		}
		q.executions = nil
	}
}

// publish marshals and publishes with bounded retries, respecting ctx.
func (q *Queue) publish(ctx context.Context, subject string, payload interface{}) *apperr.Error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperr.NewInternal("Error encoding job!", err,
			map[string]interface{}{"subject": subject},
			"queue - publish - json.Marshal")
	}

	var lastErr error
	attempts := q.config.PublishMaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		resultCh := make(chan error, 1)
		go func() {
			_, perr := q.js.Publish(subject, data)
			resultCh <- perr
		}()

		select {
		case <-ctx.Done():
			return apperr.NewInternal("Publish cancelled!", ctx.Err(),
				map[string]interface{}{"subject": subject},
				"queue - publish - context done")
		case perr := <-resultCh:
			if perr == nil {
				return nil
			}
			lastErr = perr
			q.logger.Warn("Publish attempt failed",
				zap.String("subject", subject),
				zap.Int("attempt", attempt),
				zap.Error(perr))
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return apperr.NewInternal("Publish cancelled!", ctx.Err(),
					map[string]interface{}{"subject": subject},
					"queue - publish - context done")
			case <-time.After(q.config.PublishRetryWait):
			}
		}
	}

	return apperr.NewInternal(
		fmt.Sprintf("Error publishing to %s after %d attempts!", subject, attempts), lastErr,
		map[string]interface{}{"subject": subject},
		"queue - publish - retries exhausted")
}

// ensureStream creates the stream when it does not exist.
func (q *Queue) ensureStream(stream, subject string) *apperr.Error {
	if _, err := q.js.StreamInfo(stream); err != nil {
		if err != nats.ErrStreamNotFound {
			return apperr.NewInternal("Error getting stream info!", err,
				map[string]interface{}{"stream": stream},
				"queue - ensureStream - StreamInfo")
		}
		if _, err := q.js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{subject},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  100000,
			Replicas: 1,
		}); err != nil {
			return apperr.NewInternal("Error creating stream!", err,
				map[string]interface{}{"stream": stream},
				"queue - ensureStream - AddStream")
		}
		q.logger.Info("Created JetStream stream",
			zap.String("stream", stream),
			zap.String("subject", subject))
	}
	return nil
}

// ensureConsumer creates the durable worker consumer when it does not exist.
func (q *Queue) ensureConsumer() *apperr.Error {
	if _, err := q.js.ConsumerInfo(q.config.ExecutionStream, q.config.ConsumerName); err != nil {
		if err != nats.ErrConsumerNotFound {
			return apperr.NewInternal("Error getting consumer info!", err,
				map[string]interface{}{"stream": q.config.ExecutionStream, "consumer": q.config.ConsumerName},
				"queue - ensureConsumer - ConsumerInfo")
		}
		if _, err := q.js.AddConsumer(q.config.ExecutionStream, &nats.ConsumerConfig{
			Durable:       q.config.ConsumerName,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: nats.DeliverAllPolicy,
			MaxAckPending: 1000,
			MaxDeliver:    q.config.MaxDeliver,
		}); err != nil {
			return apperr.NewInternal("Error creating consumer!", err,
				map[string]interface{}{"stream": q.config.ExecutionStream, "consumer": q.config.ConsumerName},
				"queue - ensureConsumer - AddConsumer")
		}
		q.logger.Info("Created JetStream consumer",
			zap.String("stream", q.config.ExecutionStream),
			zap.String("consumer", q.config.ConsumerName))
	}
	return nil
}
