// Package sink delivers batches to the remote endpoint. The HTTP sink posts
// line-protocol payloads to a write URL gated by a database name and optional
// basic-auth credentials. Response classification is the contract the
// delivery engine relies on: 2xx confirms receipt, 4xx is a payload
// rejection (fatal), everything else is retryable.
package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/lineproto"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const (
	moduleName = "sink"

	// measurement is the line-protocol measurement batches are written under.
	measurement = "motion"

	// bodyExcerptBytes bounds how much of an error response is kept for logs.
	bodyExcerptBytes = 512
)

// HTTPSink implements ports.Sink over a line-protocol write endpoint.
type HTTPSink struct {
	endpoint string
	database string
	username string
	password string
	client   *http.Client
	recorder metrics.MetricRecorder
}

// Verify that HTTPSink implements the ports.Sink interface.
var _ ports.Sink = (*HTTPSink)(nil)

// NewHTTPSink creates the sink from the delivery configuration.
//
// Parameters:
//
//	cfg: The application configuration.
//	recorder: The metric recorder for delivery timings.
//
// Returns:
//
//	A pointer to the HTTPSink and an error when remote delivery is enabled
//	without an endpoint.
func NewHTTPSink(cfg *config.Config, recorder metrics.MetricRecorder) (*HTTPSink, error) {
	deliveryCfg := cfg.Pulseferry.Delivery
	if deliveryCfg.Enabled && deliveryCfg.Endpoint == "" {
		return nil, exception.NewPipelineError(moduleName, "remote delivery is enabled but no endpoint is configured", nil, false)
	}

	timeout := time.Duration(deliveryCfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSink{
		endpoint: strings.TrimRight(deliveryCfg.Endpoint, "/"),
		database: deliveryCfg.Database,
		username: deliveryCfg.Username,
		password: deliveryCfg.Password,
		client:   &http.Client{Timeout: timeout},
		recorder: recorder,
	}, nil
}

// Name identifies the sink in logs and metrics.
func (s *HTTPSink) Name() string {
	return fmt.Sprintf("http(%s db=%s)", s.endpoint, s.database)
}

// Ping verifies the sink is reachable without submitting data. Any HTTP
// response, including an error status, proves reachability; only transport
// failures close the precondition.
func (s *HTTPSink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/ping", nil)
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to build ping request", err, true)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return exception.NewPipelineError(moduleName, fmt.Sprintf("sink %s is unreachable", s.endpoint), err, true)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, bodyExcerptBytes))
	resp.Body.Close()
	return nil
}

// Deliver submits one batch and blocks until the sink confirms or fails.
//
// Parameters:
//
//	ctx: The context bounding the attempt.
//	batch: The batch to deliver.
//
// Returns:
//
//	nil on a 2xx response. A payload-rejection error on 4xx. A retryable
//	error on transport failures and any other response.
func (s *HTTPSink) Deliver(ctx context.Context, batch *model.Batch) error {
	body, err := EncodeBatch(batch)
	if err != nil {
		return err
	}

	writeURL := fmt.Sprintf("%s/write?db=%s", s.endpoint, url.QueryEscape(s.database))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, writeURL, strings.NewReader(body))
	if err != nil {
		return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to build write request for batch %s", batch.BatchID), err, false)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.recorder.RecordDuration(ctx, "sink_post_duration", time.Since(start), map[string]string{"status": "transport"})
		return exception.NewPipelineError(moduleName, fmt.Sprintf("failed to reach sink for batch %s", batch.BatchID), err, true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, bodyExcerptBytes))
		s.recorder.RecordDuration(ctx, "sink_post_duration", time.Since(start), map[string]string{"status": "success"})
		logger.Debugf("Delivered batch %s (%d samples) to %s.", batch.BatchID, len(batch.Samples), s.Name())
		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		excerpt := readExcerpt(resp.Body)
		s.recorder.RecordDuration(ctx, "sink_post_duration", time.Since(start), map[string]string{"status": "rejected"})
		return exception.NewPayloadRejectedError(moduleName,
			fmt.Sprintf("sink rejected batch %s with status %d: %s", batch.BatchID, resp.StatusCode, excerpt), nil)

	default:
		excerpt := readExcerpt(resp.Body)
		s.recorder.RecordDuration(ctx, "sink_post_duration", time.Since(start), map[string]string{"status": "retryable"})
		return exception.NewPipelineError(moduleName,
			fmt.Sprintf("sink failed batch %s with status %d: %s", batch.BatchID, resp.StatusCode, excerpt), nil, true)
	}
}

// EncodeBatch renders a batch as one line-protocol line per sample.
//
// Parameters:
//
//	batch: The batch to encode.
//
// Returns:
//
//	The newline-joined payload and a non-retryable error for a batch that
//	cannot be represented on the wire.
func EncodeBatch(batch *model.Batch) (string, error) {
	if batch == nil || batch.BatchID == "" {
		return "", exception.NewPipelineError(moduleName, "cannot encode a batch without an id", nil, false)
	}
	if len(batch.Samples) == 0 {
		return "", exception.NewPipelineError(moduleName, fmt.Sprintf("batch %s has no samples to encode", batch.BatchID), nil, false)
	}

	lines := make([]string, 0, len(batch.Samples))
	for i, sample := range batch.Samples {
		b := lineproto.NewBuilder(measurement).
			Tag("batch_id", batch.BatchID).
			FloatField("v", sample.PrimaryValue)

		// Aux channels render in stable key order.
		auxKeys := make([]string, 0, len(sample.Aux))
		for k := range sample.Aux {
			auxKeys = append(auxKeys, k)
		}
		sort.Strings(auxKeys)
		for _, k := range auxKeys {
			b.FloatField(k, sample.Aux[k])
		}

		b.TimestampMs(sample.Timestamp)
		line, err := b.Render()
		if err != nil {
			return "", exception.NewPipelineError(moduleName,
				fmt.Sprintf("failed to encode sample %d of batch %s", i, batch.BatchID), err, false)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// readExcerpt reads a bounded prefix of an error response body for logging.
func readExcerpt(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, bodyExcerptBytes))
	if err != nil || len(data) == 0 {
		return "(no response body)"
	}
	return strings.TrimSpace(string(data))
}
