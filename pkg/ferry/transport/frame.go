// Package transport carries chunks, heartbeats and diagnostics between the
// capture agent and the companion relay. Frames are length-prefixed JSON
// envelopes over a plain TCP stream, the development stand-in for the
// device's real companion link. Chunk frames are confirmed by a reply frame;
// heartbeat and diagnostic frames are fire-and-forget.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
)

const (
	moduleName = "transport"

	// maxFrameBytes bounds one frame so a corrupt length prefix can never
	// trigger an unbounded allocation.
	maxFrameBytes = 8 << 20

	kindChunk      = "chunk"
	kindHeartbeat  = "heartbeat"
	kindDiagnostic = "diagnostic"

	statusAccepted  = "accepted"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// envelope is the framed message sent from the agent to the relay.
type envelope struct {
	Kind       string           `json:"kind"`
	Chunk      *model.Chunk     `json:"chunk,omitempty"`
	Heartbeat  *model.Heartbeat `json:"heartbeat,omitempty"`
	Diagnostic *diagnostic      `json:"diagnostic,omitempty"`
}

// diagnostic is a structured fire-and-forget event for operator debugging.
type diagnostic struct {
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

// reply confirms one chunk frame. Status "accepted" means the assembly is
// still waiting for more chunks, "completed" means the batch was persisted,
// "failed" means the chunk or the completed batch was refused.
type reply struct {
	Status    string `json:"status"`
	Retryable bool   `json:"retryable,omitempty"`
	Error     string `json:"error,omitempty"`
}

// writeFrame sends one length-prefixed JSON frame. The prefix and body go
// out in a single Write so a concurrent writer on the same connection cannot
// interleave mid-frame.
func writeFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(data), maxFrameBytes)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameBytes {
		return fmt.Errorf("frame length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}
