// Package codec turns sealed sample batches into bounded transfer chunks and
// reassembles received chunks back into batches. Payloads above a configured
// threshold are compressed with zstd; every chunk carries a blake3 digest of
// the serialized batch so the receiving side can detect corruption before a
// batch enters the durable queue.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	model "github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	logger "github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// errIncompressible signals that compressing a payload did not shrink it.
var errIncompressible = errors.New("payload does not benefit from compression")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("codec: failed to initialize zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: failed to initialize zstd decoder: %v", err))
	}
}

// Codec is the chunked transfer codec. It is stateless and safe for
// concurrent use.
type Codec struct {
	maxChunkBytes     int
	compressThreshold int
}

// NewCodec creates a Codec from the chunking section of the application
// configuration.
func NewCodec(cfg *config.Config) *Codec {
	return &Codec{
		maxChunkBytes:     cfg.Pulseferry.Chunking.MaxChunkBytes,
		compressThreshold: cfg.Pulseferry.Chunking.CompressThresholdBytes,
	}
}

// Split serializes a batch and cuts the payload into chunks of at most the
// configured chunk size. A batch that fits in a single chunk still yields one
// chunk with TotalChunks set to 1, so the receiving side runs a single path.
//
// Parameters:
//
//	batch: The sealed batch to encode. Must carry a non-empty BatchID.
//
// Returns:
//
//	[]model.Chunk: The ordered chunks ready for transfer.
//	error: A non-retryable error if serialization or compression fails.
func (c *Codec) Split(batch *model.Batch) ([]model.Chunk, error) {
	module := "codec"

	if batch == nil {
		return nil, exception.NewPipelineError(module, "cannot split a nil batch", nil, false)
	}
	if batch.BatchID == "" {
		return nil, exception.NewPipelineError(module, "cannot split a batch without a batch id", nil, false)
	}
	if c.maxChunkBytes <= 0 {
		return nil, exception.NewPipelineError(module, fmt.Sprintf("max chunk size %d is not positive", c.maxChunkBytes), nil, false)
	}

	serialized, err := json.Marshal(batch)
	if err != nil {
		logger.Errorf("Failed to serialize batch %s: %v", batch.BatchID, err)
		return nil, exception.NewPipelineError(module, "failed to serialize batch "+batch.BatchID, err, false)
	}

	// The digest covers the serialized form before compression so the
	// receiving side verifies end-to-end, independent of the wire encoding.
	digest := digestOf(serialized)

	payload := serialized
	tag := model.CompressionNone
	if c.compressThreshold > 0 && len(serialized) > c.compressThreshold {
		compressed, cerr := compress(serialized)
		switch {
		case cerr == nil:
			payload = compressed
			tag = model.CompressionZstd
		case errors.Is(cerr, errIncompressible):
			logger.Debugf("Batch %s did not shrink under zstd (%d bytes). Sending uncompressed.", batch.BatchID, len(serialized))
		default:
			return nil, exception.NewPipelineError(module, "failed to compress batch "+batch.BatchID, cerr, false)
		}
	}

	total := (len(payload) + c.maxChunkBytes - 1) / c.maxChunkBytes
	if total == 0 {
		total = 1
	}

	chunks := make([]model.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * c.maxChunkBytes
		end := start + c.maxChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		// Copy so chunks never alias one shared payload buffer.
		part := make([]byte, end-start)
		copy(part, payload[start:end])
		chunks = append(chunks, model.Chunk{
			BatchID:     batch.BatchID,
			Index:       i,
			TotalChunks: total,
			Payload:     part,
			Compression: tag,
			Digest:      digest,
		})
	}

	logger.Debugf("Split batch %s into %d chunk(s) (%d payload bytes, compression=%s).", batch.BatchID, total, len(payload), tag)
	return chunks, nil
}

// Reassemble stitches a completed assembly back into a batch. Every index in
// [0, TotalChunks) must be present; the concatenated payload is decompressed
// according to the assembly's compression tag and verified against the digest
// before deserialization.
//
// Parameters:
//
//	asm: The assembly holding every chunk of one batch.
//
// Returns:
//
//	*model.Batch: The decoded batch.
//	error: A non-retryable error if a chunk is missing or the payload is corrupt.
func (c *Codec) Reassemble(asm *model.ChunkAssembly) (*model.Batch, error) {
	module := "codec"

	if asm == nil {
		return nil, exception.NewPipelineError(module, "cannot reassemble a nil assembly", nil, false)
	}
	if asm.TotalChunks < 1 {
		return nil, exception.NewPipelineError(module, fmt.Sprintf("assembly %s declares %d chunks", asm.BatchID, asm.TotalChunks), nil, false)
	}

	var buf bytes.Buffer
	for i := 0; i < asm.TotalChunks; i++ {
		part, ok := asm.Received[i]
		if !ok {
			return nil, exception.NewPipelineError(module, fmt.Sprintf("assembly %s is missing chunk %d of %d", asm.BatchID, i, asm.TotalChunks), nil, false)
		}
		buf.Write(part)
	}

	payload := buf.Bytes()
	switch asm.Compression {
	case model.CompressionNone:
		// Payload travels as serialized.
	case model.CompressionZstd:
		decompressed, derr := decompress(payload)
		if derr != nil {
			logger.Errorf("Failed to decompress batch %s: %v", asm.BatchID, derr)
			return nil, exception.NewPipelineError(module, "failed to decompress batch "+asm.BatchID, derr, false)
		}
		payload = decompressed
	default:
		return nil, exception.NewPipelineError(module, fmt.Sprintf("assembly %s carries unsupported compression tag %s", asm.BatchID, asm.Compression), nil, false)
	}

	if len(asm.Digest) > 0 && !bytes.Equal(digestOf(payload), asm.Digest) {
		return nil, exception.NewPipelineError(module, "digest mismatch for batch "+asm.BatchID, nil, false)
	}

	var batch model.Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		logger.Errorf("Failed to deserialize batch %s: %v", asm.BatchID, err)
		return nil, exception.NewPipelineError(module, "failed to deserialize batch "+asm.BatchID, err, false)
	}
	if batch.BatchID != asm.BatchID {
		return nil, exception.NewPipelineError(module, fmt.Sprintf("assembly %s decoded to a batch identifying as %s", asm.BatchID, batch.BatchID), nil, false)
	}

	return &batch, nil
}

// compress runs zstd over the payload, reporting errIncompressible when the
// result would not be smaller than the input.
func compress(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

// digestOf returns the blake3 digest of the serialized batch payload.
func digestOf(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}
