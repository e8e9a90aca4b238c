package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/weiawesome/cdc-search-bridge/internal/domain"
	pkglog "github.com/weiawesome/cdc-search-bridge/pkg/log"
)

// Config holds the write-path tuning knobs for the Elasticsearch writer.
type Config struct {
	Timeout      time.Duration // per bulk attempt
	MaxRetries   int           // transient retries after the first attempt
	RetryBackoff time.Duration // base backoff, doubled per attempt
}

type esIndexWriter struct {
	client *elasticsearch.Client
	cfg    Config
}

// NewESIndexWriter creates an Elasticsearch-backed index writer.
func NewESIndexWriter(client *elasticsearch.Client, cfg Config) IndexWriter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &esIndexWriter{client: client, cfg: cfg}
}

// Ping verifies the cluster is reachable.
func (w *esIndexWriter) Ping(ctx context.Context) error {
	res, err := w.client.Info(w.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// EnsureIndex creates the index with the given field mapping if it does
// not exist yet. An empty mapping creates the index with dynamic mapping.
func (w *esIndexWriter) EnsureIndex(ctx context.Context, name string, mapping json.RawMessage) error {
	res, err := w.client.Indices.Exists([]string{name},
		w.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", name, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("elasticsearch error checking index %s: %s", name, res.Status())
	}

	var body io.Reader
	if len(mapping) > 0 {
		body = bytes.NewReader(mapping)
	}
	createRes, err := w.client.Indices.Create(name,
		w.client.Indices.Create.WithContext(ctx),
		w.client.Indices.Create.WithBody(body))
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		return fmt.Errorf("elasticsearch error creating index %s: %s", name, createRes.String())
	}

	l := pkglog.L()
	l.Info().Str(pkglog.FieldIndex, name).Msg("index created")
	return nil
}

// Apply writes the batch through the bulk API. Upserts use the index
// action (create-or-replace keyed by id) so redelivered creates are
// harmless; deletes treat a missing document as success so redelivered
// deletes and tombstones are harmless.
//
// Item-level 429/5xx and transport failures are transient: the whole
// batch is retried with exponential backoff up to the configured budget.
// Retrying already-applied items is safe because every action is
// idempotent. Other 4xx statuses are permanent for that one item and do
// not abort the rest of the batch.
func (w *esIndexWriter) Apply(ctx context.Context, b domain.Batch) (domain.BatchResult, error) {
	body, posOf := buildBulkBody(b)
	if len(posOf) == 0 {
		return domain.BatchResult{}, nil
	}

	l := pkglog.L()
	backoff := w.cfg.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.Warn().Err(lastErr).
				Int(pkglog.FieldAttempt, attempt).
				Int(pkglog.FieldBatchSize, len(posOf)).
				Msg("retrying bulk write")
			select {
			case <-ctx.Done():
				return domain.BatchResult{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, transient, err := w.bulkOnce(ctx, body, posOf)
		if err == nil && !transient {
			return result, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("bulk response contains retryable item failures")
		}
		if ctx.Err() != nil {
			return domain.BatchResult{}, ctx.Err()
		}
	}

	return domain.BatchResult{}, fmt.Errorf("bulk write failed after %d attempts: %w",
		w.cfg.MaxRetries+1, lastErr)
}

// bulkOnce performs a single bulk attempt under the per-attempt timeout.
// transient reports whether any item came back with a retryable status.
func (w *esIndexWriter) bulkOnce(ctx context.Context, body []byte, posOf []int) (domain.BatchResult, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	res, err := w.client.Bulk(bytes.NewReader(body),
		w.client.Bulk.WithContext(attemptCtx))
	if err != nil {
		return domain.BatchResult{}, true, fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		// A whole-request error status is a transient cluster-level
		// condition (unavailable, overloaded); retry the batch.
		return domain.BatchResult{}, true, fmt.Errorf("elasticsearch error: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return domain.BatchResult{}, true, fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if len(parsed.Items) != len(posOf) {
		return domain.BatchResult{}, true, fmt.Errorf("bulk response has %d items, expected %d",
			len(parsed.Items), len(posOf))
	}

	return classifyItems(parsed.Items, posOf)
}

// buildBulkBody renders the NDJSON bulk payload. posOf maps each emitted
// bulk item back to its position in the batch; ignore actions emit nothing.
func buildBulkBody(b domain.Batch) ([]byte, []int) {
	var buf bytes.Buffer
	var posOf []int

	for pos, action := range b.Actions {
		switch action.Kind {
		case domain.ActionUpsert:
			meta, _ := json.Marshal(bulkMeta{Index: action.Index, ID: action.DocID})
			doc, err := json.Marshal(action.Body)
			if err != nil {
				continue
			}
			buf.WriteString(`{"index":`)
			buf.Write(meta)
			buf.WriteString("}\n")
			buf.Write(doc)
			buf.WriteByte('\n')
			posOf = append(posOf, pos)
		case domain.ActionDelete:
			meta, _ := json.Marshal(bulkMeta{Index: action.Index, ID: action.DocID})
			buf.WriteString(`{"delete":`)
			buf.Write(meta)
			buf.WriteString("}\n")
			posOf = append(posOf, pos)
		}
	}

	return buf.Bytes(), posOf
}

func classifyItems(items []map[string]bulkItem, posOf []int) (domain.BatchResult, bool, error) {
	var result domain.BatchResult
	transient := false

	for i, entry := range items {
		var item bulkItem
		for _, v := range entry {
			item = v
		}
		pos := posOf[i]

		switch {
		case item.Status >= 200 && item.Status < 300:
			result.Succeeded++
		case item.Status == http.StatusNotFound:
			// Deleting an absent document is a success: the desired
			// end state already holds.
			result.Succeeded++
		case item.Status == http.StatusTooManyRequests || item.Status >= 500:
			transient = true
		default:
			result.Failed = append(result.Failed, domain.ItemFailure{
				Pos:    pos,
				DocID:  item.ID,
				Index:  item.Index,
				Status: item.Status,
				Reason: item.Error.Reason,
			})
		}
	}

	return result, transient, nil
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkItem struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}
