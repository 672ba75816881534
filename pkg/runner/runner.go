// Package runner provides the concurrent execution-queue worker over NATS
// JetStream. It pulls execution jobs in batches and distributes them to a
// worker pool, reporting each execution's terminal status back through the
// report queue.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/queue"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Worker manages concurrent execution processing from the execution queue.
// It pulls jobs in batches and distributes them to worker goroutines, with
// terminal status reporting and execution cache cleanup per job.
type Worker struct {
	queue           *queue.Queue
	executor        *engine.Executor
	caches          *engine.CacheService
	dispatcher      *engine.Dispatcher
	batchSize       int
	numWorkers      int
	processTimeout  time.Duration
	fetchWait       time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewWorker creates a Worker over an initialized queue and engine.
// batchSize is how many jobs to pull at once, numWorkers the pool size and
// processTimeout the per-execution ceiling. tracingConfig is optional; when
// nil no tracing is set up.
func NewWorker(q *queue.Queue, executor *engine.Executor, caches *engine.CacheService, dispatcher *engine.Dispatcher, batchSize, numWorkers int, processTimeout time.Duration, logger *zap.Logger, tracingConfig *TracingConfig) (*Worker, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if caches == nil {
		return nil, errors.New("cache service cannot be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	worker := &Worker{
		queue:          q,
		executor:       executor,
		caches:         caches,
		dispatcher:     dispatcher,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		fetchWait:      5 * time.Second,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runner"),
	}

	if tracingConfig != nil {
		ctx := context.Background()
		shutdown, err := internaltracing.SetupTracing(ctx, tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			worker.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return worker, nil
}

// Close gracefully shuts down the worker and cleans up resources including tracing.
func (w *Worker) Close() error {
	w.queue.Close()
	if w.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.tracingShutdown(ctx); err != nil {
			w.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		w.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run starts the job processing pipeline. It spawns worker goroutines and
// begins pulling jobs from the execution queue. The method blocks until the
// context is cancelled and all workers have finished.
func (w *Worker) Run(ctx context.Context) error {
	jobChan := make(chan *queue.JobMsg, w.batchSize)

	var wg sync.WaitGroup
	for i := 0; i < w.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.worker(ctx, workerID, jobChan)
		}(i)
	}

	go func() {
		defer close(jobChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Shutting down job puller...")
				return
			default:
				jobs, err := w.queue.PullExecutions(ctx, w.batchSize, w.fetchWait)
				if err != nil {
					if ctx.Err() != nil {
						w.logger.Debug("Job pulling stopped due to context cancellation")
						return
					}
					w.logger.Error("Error pulling execution jobs", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				if len(jobs) == 0 {
					// Normal idle path, short wait to avoid busy looping
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
					continue
				}

				backoffDelay = 100 * time.Millisecond

				for _, job := range jobs {
					select {
					case jobChan <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		w.logger.Info("Worker pool completed")
		return nil
	case <-ctx.Done():
		w.logger.Info("Worker stopped due to context cancellation")
		return ctx.Err()
	}
}

// worker processes jobs from the channel
func (w *Worker) worker(ctx context.Context, workerID int, jobChan <-chan *queue.JobMsg) {
	w.logger.Info("Worker started", zap.Int("workerID", workerID))
	defer w.logger.Info("Worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case job, ok := <-jobChan:
			if !ok {
				return
			}
			w.processJob(ctx, workerID, job)
		case <-ctx.Done():
			return
		}
	}
}

// processJob runs one execution to its terminal state: execute the graph,
// classify the result, enqueue the report job, deliver a best-effort final
// response on non-success, and delete the execution cache.
func (w *Worker) processJob(ctx context.Context, workerID int, job *queue.JobMsg) {
	executionID := job.Job.ExecutionID
	workflowID := job.Job.WorkflowID

	ctx, span := w.tracer.Start(ctx, "runner.processJob",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("workflow.id", workflowID),
			attribute.String("execution.id", executionID),
		))
	defer span.End()

	select {
	case <-ctx.Done():
		w.logger.Info("Skipping job due to context cancellation",
			zap.Int("workerID", workerID),
			zap.String("executionID", executionID))
		span.SetStatus(codes.Error, "Context cancelled before processing")
		if nakErr := job.Nak(); nakErr != nil {
			w.logger.Error("Error naking job", zap.Error(nakErr))
		}
		return
	default:
	}

	// Trigger details are needed for the final response and are gone once the
	// execution cache is deleted, so capture them up front.
	entry, entryErr := w.caches.GetExecutionCache(ctx, executionID)
	if entryErr != nil {
		// Without an execution cache the job can never succeed; drop it.
		w.logger.Error("Execution cache missing, dropping job",
			zap.String("executionID", executionID),
			zap.Error(entryErr))
		span.SetStatus(codes.Error, "Execution cache missing")
		if ackErr := job.Ack(); ackErr != nil {
			w.logger.Error("Error acking job", zap.Error(ackErr))
		}
		return
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.caches.DeleteExecutionCache(cleanupCtx, executionID)
	}()

	processCtx, cancel := context.WithTimeout(ctx, w.processTimeout)
	defer cancel()

	start := time.Now()
	w.logger.Info("Worker processing execution",
		zap.Int("workerID", workerID),
		zap.String("executionID", executionID),
		zap.String("workflowID", workflowID))

	outcome, execErr := w.executor.ExecuteWorkflow(processCtx, executionID)
	processingTime := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", processingTime.Milliseconds()))

	// Terminal classification: error → failed, hold → started (the run is
	// paused, not finished), otherwise success.
	status := workflow.ExecutionSuccess
	switch {
	case execErr != nil:
		status = workflow.ExecutionFailed
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		w.logger.Error("Execution failed",
			zap.Int("workerID", workerID),
			zap.String("executionID", executionID),
			zap.Duration("processingTime", processingTime),
			zap.Error(execErr))
	case outcome != nil && outcome.Status == node.StatusHold:
		status = workflow.ExecutionStarted
		span.SetStatus(codes.Ok, "Execution on hold")
		w.logger.Info("Execution on hold",
			zap.Int("workerID", workerID),
			zap.String("executionID", executionID),
			zap.Duration("processingTime", processingTime))
	default:
		span.SetStatus(codes.Ok, "Execution completed")
		w.logger.Info("Execution completed",
			zap.Int("workerID", workerID),
			zap.String("executionID", executionID),
			zap.Duration("processingTime", processingTime))
	}

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if reportErr := w.queue.EnqueueReport(reportCtx, queue.ReportJob{
		WorkflowID: workflowID,
		Updates: queue.ReportUpdates{
			Report: workflow.ExecutionReport{
				ExecutionID:     executionID,
				ExecutionStatus: status,
			},
		},
	}); reportErr != nil {
		w.logger.Error("Error enqueueing report job",
			zap.String("executionID", executionID),
			zap.String("workflowID", workflowID),
			zap.Error(reportErr))
	}
	reportCancel()

	if status != workflow.ExecutionSuccess {
		w.sendFinalResponse(entry.TriggerDetails, outcome, execErr, executionID)
	}

	if ackErr := job.Ack(); ackErr != nil {
		w.logger.Error("Error acking job",
			zap.Int("workerID", workerID),
			zap.String("executionID", executionID),
			zap.Error(ackErr))
	}
}

// sendFinalResponse delivers the failure message or hold content back to the
// originating channel. Best-effort: delivery errors are only logged.
func (w *Worker) sendFinalResponse(details node.TriggerDetails, outcome *engine.Outcome, execErr *apperr.Error, executionID string) {
	content := "Mission failed!"
	if outcome != nil && outcome.Status == node.StatusHold && outcome.Content != "" {
		content = outcome.Content
	} else if execErr != nil && execErr.UserMessage != "" {
		content = execErr.UserMessage
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.dispatcher.SendResponse(sendCtx, node.FormatString, content, details); err != nil {
		w.logger.Error("Error sending final response",
			zap.String("executionID", executionID),
			zap.String("triggerType", details.Type),
			zap.Error(err))
	}
}
