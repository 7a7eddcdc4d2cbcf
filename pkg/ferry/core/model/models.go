// Package model defines the core domain types shared across the Pulseferry pipeline:
// sample batches, transfer chunks, delivery states fixed by the delivery engine,
// and the operating mode reported by the liveness supervisor.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryState represents the state of a queued batch within the delivery engine.
type DeliveryState string

const (
	// DeliveryPending means the entry sits in the durable queue awaiting an attempt.
	DeliveryPending DeliveryState = "PENDING"
	// DeliveryInFlight means an attempt against the remote sink is in progress.
	DeliveryInFlight DeliveryState = "IN_FLIGHT"
	// DeliverySuccess means the remote sink confirmed receipt; the entry is removed.
	DeliverySuccess DeliveryState = "SUCCESS"
	// DeliveryRetryable means the attempt failed transiently; the entry stays queued.
	DeliveryRetryable DeliveryState = "RETRYABLE"
	// DeliveryFatal means the attempt failed permanently for this payload.
	DeliveryFatal DeliveryState = "FATAL"
	// DeliveryDeadLettered means repeated fatal failures exhausted the budget.
	DeliveryDeadLettered DeliveryState = "DEAD_LETTERED"
)

// String returns the string representation of the DeliveryState.
func (s DeliveryState) String() string {
	return string(s)
}

// IsTerminal checks if the DeliveryState represents a state after which the
// entry no longer sits in the pending queue.
func (s DeliveryState) IsTerminal() bool {
	switch s {
	case DeliverySuccess, DeliveryDeadLettered:
		return true
	default:
		return false
	}
}

// OperatingMode represents the capture agent's high-level mode.
type OperatingMode string

const (
	ModeActive OperatingMode = "ACTIVE"
	ModePaused OperatingMode = "PAUSED"
)

// String returns the OperatingMode as a string.
func (m OperatingMode) String() string {
	return string(m)
}

// ParseOperatingMode converts a persisted mode string back to an OperatingMode.
// Unknown values default to ACTIVE so a corrupt state file never strands the agent paused.
func ParseOperatingMode(s string) OperatingMode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModePaused)) {
		return ModePaused
	}
	return ModeActive
}

// PauseReason is the typed cause attached to an ACTIVE -> PAUSED transition.
type PauseReason string

const (
	PauseReasonNone     PauseReason = ""
	PauseReasonNotWorn  PauseReason = "NOT_WORN"
	PauseReasonCharging PauseReason = "CHARGING"
)

// Sample is a single motion measurement.
// Timestamp is epoch milliseconds; samples within a batch are ordered by
// Timestamp but not necessarily strictly increasing.
type Sample struct {
	Timestamp    int64              `json:"ts"`
	PrimaryValue float64            `json:"v"`
	Aux          map[string]float64 `json:"aux,omitempty"`
}

// Batch is the atomic unit of capture, queuing, archival and delivery.
// A batch is immutable once sealed by the producer.
type Batch struct {
	BatchID   string   `json:"batch_id"`
	CreatedAt int64    `json:"created_at"` // epoch milliseconds
	Samples   []Sample `json:"samples"`
}

// NewBatchID builds a batch identifier that sorts lexicographically by
// creation time. The monotonic per-process sequence disambiguates batches
// created within the same millisecond, and the random suffix disambiguates
// across restarts and clock rollback.
func NewBatchID(createdAt time.Time, seq uint64) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%013d-%06d-%s", createdAt.UnixMilli(), seq%1000000, suffix)
}

// LatestSampleTimestamp returns the newest sample timestamp in the batch,
// falling back to CreatedAt for an empty batch. Archive retention keeps a
// record as long as this value is at or after the cutoff.
func (b *Batch) LatestSampleTimestamp() int64 {
	latest := b.CreatedAt
	for _, s := range b.Samples {
		if s.Timestamp > latest {
			latest = s.Timestamp
		}
	}
	return latest
}

// CompressionTag identifies the compression applied to a chunked payload.
// It travels with every chunk so the receiver can decode without negotiation.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionZstd CompressionTag = 1
)

// String returns the tag's wire name.
func (t CompressionTag) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseCompressionTag converts a wire name back to a CompressionTag.
func ParseCompressionTag(s string) (CompressionTag, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression tag %q", s)
	}
}

// Chunk is one contiguous piece of a serialized batch in transit to the companion.
// Digest carries the blake3 hash of the full serialized batch (pre-compression)
// and is identical on every chunk of the same batch.
type Chunk struct {
	BatchID     string         `json:"batch_id"`
	Index       int            `json:"index"`
	TotalChunks int            `json:"total_chunks"`
	Payload     []byte         `json:"payload"`
	Compression CompressionTag `json:"compression"`
	Digest      []byte         `json:"digest,omitempty"`
}

// Validate checks the chunk's structural invariants before it enters assembly.
func (c *Chunk) Validate() error {
	if c.BatchID == "" {
		return fmt.Errorf("chunk missing batch id")
	}
	if c.TotalChunks < 1 {
		return fmt.Errorf("chunk %s: total_chunks %d out of range", c.BatchID, c.TotalChunks)
	}
	if c.Index < 0 || c.Index >= c.TotalChunks {
		return fmt.Errorf("chunk %s: index %d out of range [0,%d)", c.BatchID, c.Index, c.TotalChunks)
	}
	return nil
}

// ChunkAssembly accumulates the chunks of one batch until all pieces arrived.
// The receiving side keys assemblies by BatchID; chunks may arrive in any
// order and duplicates overwrite the previously held payload for that index.
type ChunkAssembly struct {
	BatchID     string         `json:"batch_id"`
	TotalChunks int            `json:"total_chunks"`
	Received    map[int][]byte `json:"received"`
	Compression CompressionTag `json:"compression"`
	Digest      []byte         `json:"digest,omitempty"`
	LastChunkAt time.Time      `json:"last_chunk_at"`
}

// NewChunkAssembly creates an empty assembly seeded from the first chunk seen
// for a batch.
func NewChunkAssembly(c Chunk, now time.Time) *ChunkAssembly {
	a := &ChunkAssembly{
		BatchID:     c.BatchID,
		TotalChunks: c.TotalChunks,
		Received:    make(map[int][]byte, c.TotalChunks),
		Compression: c.Compression,
		Digest:      c.Digest,
		LastChunkAt: now,
	}
	a.Received[c.Index] = c.Payload
	return a
}

// Add records a chunk's payload and refreshes the assembly's activity time.
// A duplicate index overwrites the earlier payload rather than failing, so a
// retransmitted chunk never poisons the assembly.
func (a *ChunkAssembly) Add(c Chunk, now time.Time) error {
	if c.BatchID != a.BatchID {
		return fmt.Errorf("chunk batch id %s does not match assembly %s", c.BatchID, a.BatchID)
	}
	if c.TotalChunks != a.TotalChunks {
		return fmt.Errorf("chunk %s: total_chunks %d disagrees with assembly total %d", c.BatchID, c.TotalChunks, a.TotalChunks)
	}
	if c.Index < 0 || c.Index >= a.TotalChunks {
		return fmt.Errorf("chunk %s: index %d out of range [0,%d)", c.BatchID, c.Index, a.TotalChunks)
	}
	a.Received[c.Index] = c.Payload
	a.LastChunkAt = now
	return nil
}

// Complete reports whether every index in [0, TotalChunks) has been received.
func (a *ChunkAssembly) Complete() bool {
	return len(a.Received) == a.TotalChunks
}

// Heartbeat is the liveness report the capture agent emits to the companion.
type Heartbeat struct {
	Timestamp int64             `json:"ts"`       // epoch milliseconds
	UptimeMs  int64             `json:"uptime_ms"`
	Mode      OperatingMode     `json:"mode"`
	Extra     map[string]string `json:"extra,omitempty"`
}
