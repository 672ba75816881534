// Package client is the JetStream entry point for Daedalus services: it owns
// the NATS connection and exposes the execution queue built on top of it.
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"github.com/wehubfusion/Daedalus/pkg/queue"
	"go.uber.org/zap"
)

// Client manages the NATS connection and provides access to the execution
// queue. JetStream must be enabled on the server.
//
// Example usage:
//
//	client := client.NewClient("nats://localhost:4222", queue.DefaultConfig())
//	if err := client.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer client.Close()
//
//	client.Queue.EnqueueExecution(ctx, queue.ExecutionJob{...})
type Client struct {
	conn        *natsclient.Conn
	js          natsclient.JetStreamContext
	config      *nats.ConnectionConfig
	queueConfig queue.Config
	logger      *zap.Logger

	// Queue provides execution and report job operations once connected.
	Queue *queue.Queue
}

// NewClient creates a client with default connection configuration.
func NewClient(url string, queueConfig queue.Config) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config:      nats.DefaultConnectionConfig(url),
		queueConfig: queueConfig,
		logger:      logger,
	}
}

// NewClientWithConfig creates a client with custom connection configuration,
// allowing control over reconnection settings, timeouts and authentication.
func NewClientWithConfig(config *nats.ConnectionConfig, queueConfig queue.Config) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config:      config,
		queueConfig: queueConfig,
		logger:      logger,
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext
// implementation. Useful for tests to avoid connecting to a real NATS server.
func NewClientWithJSContext(js queue.JSContext, queueConfig queue.Config, logger *zap.Logger) (*Client, *apperr.Error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	q, err := queue.NewQueue(js, queueConfig, logger)
	if err != nil {
		return nil, err.WithTrace("client - NewClientWithJSContext - NewQueue")
	}
	return &Client{Queue: q, queueConfig: queueConfig, logger: logger}, nil
}

// Connect establishes the NATS connection, initializes the JetStream context
// and builds the queue. Must be called before using Queue.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil // Already connected
	}

	conn, err := nats.Connect(ctx, c.config)
	if err != nil {
		return apperr.NewInternal("Error connecting to NATS!", err,
			map[string]interface{}{"url": c.config.URL},
			"client - Connect - nats.Connect")
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return apperr.NewInternal("JetStream is not enabled on the NATS server!", err, nil,
			"client - Connect - JetStream")
	}
	c.js = js

	q, qerr := queue.NewQueue(queue.WrapNATSJetStream(js), c.queueConfig, c.logger)
	if qerr != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return qerr.WithTrace("client - Connect - NewQueue")
	}
	c.Queue = q

	return nil
}

// SetLogger sets a custom zap logger for the client
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Close gracefully closes the NATS connection, draining in-flight messages
// first. Always call when done with the client, typically via defer after
// Connect().
func (c *Client) Close() error {
	if c.Queue != nil {
		c.Queue.Close()
		c.Queue = nil
	}
	if c.conn == nil {
		return nil
	}

	if err := nats.Close(c.conn); err != nil {
		return apperr.NewInternal("Error closing connection!", err, nil,
			"client - Close - nats.Close")
	}

	c.conn = nil
	c.js = nil

	return nil
}

// IsConnected returns true if the client is currently connected.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection for advanced use cases.
//
// Warning: direct manipulation of the connection can interfere with the
// client's connection management.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// JetStream returns the JetStream context for advanced stream management.
// Returns nil before Connect.
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

// ConnectionStats holds connection statistics for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64 // Number of messages received
	OutMsgs    uint64 // Number of messages sent
	InBytes    uint64 // Number of bytes received
	OutBytes   uint64 // Number of bytes sent
	Reconnects uint64 // Number of reconnections performed
}

// Stats returns current connection statistics.
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}

	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

// Ping flushes the connection to verify the server is alive and responsive.
// Respects the context deadline.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return apperr.NewInternal("Not connected to NATS!", nil, nil,
			"client - Ping - not connected")
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return apperr.NewInternal("Ping failed!", err, nil,
				"client - Ping - FlushTimeout")
		}
		return nil
	}
}
