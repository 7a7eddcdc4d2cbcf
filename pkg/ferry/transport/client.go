package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const (
	dialTimeout = 5 * time.Second
	ackTimeout  = 10 * time.Second
)

// Client is the agent-side companion link. It dials lazily on first use and
// redials after any connection failure; sends serialize on an internal lock
// so frames and their replies stay paired on the wire.
type Client struct {
	peer     string
	recorder metrics.MetricRecorder

	mu   sync.Mutex
	conn net.Conn
}

// Verify that Client implements the ports.CompanionLink interface.
var _ ports.CompanionLink = (*Client)(nil)

// NewClient creates the companion-link client.
//
// Parameters:
//
//	cfg: The application configuration (peer address).
//	recorder: The MetricRecorder for chunk sends.
//
// Returns:
//
//	A pointer to the Client.
func NewClient(cfg *config.Config, recorder metrics.MetricRecorder) *Client {
	return &Client{
		peer:     cfg.Pulseferry.Transport.Peer,
		recorder: recorder,
	}
}

// SendChunk ships one chunk and blocks until the relay confirms it. The
// confirmation carries the assembly outcome: a refused chunk surfaces as an
// error classified by the relay's retryable flag.
//
// Parameters:
//
//	ctx: The context bounding the exchange.
//	chunk: The chunk to ship.
//
// Returns:
//
//	nil once the relay accepted the chunk (or completed the batch).
func (c *Client) SendChunk(ctx context.Context, chunk model.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnLocked()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	env := envelope{Kind: kindChunk, Chunk: &chunk}
	if err := writeFrame(conn, env); err != nil {
		c.dropConnLocked()
		return exception.NewPipelineError(moduleName,
			fmt.Sprintf("failed to send chunk %d/%d of batch %s", chunk.Index+1, chunk.TotalChunks, chunk.BatchID), err, true)
	}

	var rep reply
	if err := readFrame(conn, &rep); err != nil {
		c.dropConnLocked()
		return exception.NewPipelineError(moduleName,
			fmt.Sprintf("no confirmation for chunk %d/%d of batch %s", chunk.Index+1, chunk.TotalChunks, chunk.BatchID), err, true)
	}

	switch rep.Status {
	case statusAccepted, statusCompleted:
		c.recorder.RecordChunkSent(ctx, chunk.Compression.String())
		return nil
	case statusFailed:
		if rep.Retryable {
			return exception.NewPipelineError(moduleName,
				fmt.Sprintf("companion refused chunk %d/%d of batch %s: %s", chunk.Index+1, chunk.TotalChunks, chunk.BatchID, rep.Error), nil, true)
		}
		return exception.NewPayloadRejectedError(moduleName,
			fmt.Sprintf("companion rejected batch %s: %s", chunk.BatchID, rep.Error), nil)
	default:
		return exception.NewPipelineError(moduleName,
			fmt.Sprintf("companion answered chunk of batch %s with unknown status %q", chunk.BatchID, rep.Status), nil, true)
	}
}

// SendHeartbeat ships a liveness report. No confirmation is awaited.
func (c *Client) SendHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	return c.sendFireAndForget(envelope{Kind: kindHeartbeat, Heartbeat: &hb}, "heartbeat")
}

// SendDiagnostic ships a structured diagnostic event. No confirmation is awaited.
func (c *Client) SendDiagnostic(ctx context.Context, kind string, fields map[string]string) error {
	return c.sendFireAndForget(envelope{Kind: kindDiagnostic, Diagnostic: &diagnostic{Kind: kind, Fields: fields}}, "diagnostic")
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) sendFireAndForget(env envelope, what string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnLocked()
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(ackTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	if err := writeFrame(conn, env); err != nil {
		c.dropConnLocked()
		return exception.NewPipelineError(moduleName, "failed to send "+what, err, true)
	}
	return nil
}

// ensureConnLocked returns the live connection, dialing the peer if needed.
// The caller must hold c.mu.
func (c *Client) ensureConnLocked() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	if c.peer == "" {
		return nil, exception.NewPipelineError(moduleName, "no companion peer is configured", nil, false)
	}
	conn, err := net.DialTimeout("tcp", c.peer, dialTimeout)
	if err != nil {
		return nil, exception.NewPipelineError(moduleName, "companion "+c.peer+" is unreachable", err, true)
	}
	logger.Infof("Connected to companion %s.", c.peer)
	c.conn = conn
	return conn, nil
}

// dropConnLocked discards a connection after a failure so the next send
// redials. The caller must hold c.mu.
func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
