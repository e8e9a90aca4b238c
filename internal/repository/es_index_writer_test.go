package repository

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/cdc-search-bridge/internal/domain"
)

// fakeES is an in-memory stand-in for the Elasticsearch bulk API. It
// applies index/delete items to a document map and answers with per-item
// statuses, so idempotence can be asserted against real end state.
type fakeES struct {
	mu        sync.Mutex
	docs      map[string]map[string]json.RawMessage // index → id → doc
	indices   map[string]string                     // index → mapping body
	badDocs   map[string]bool                       // ids answered with 400
	failBulk  int                                   // 503 the next n bulk calls
	bulkCalls int
}

func newFakeES() *fakeES {
	return &fakeES{
		docs:    make(map[string]map[string]json.RawMessage),
		indices: make(map[string]string),
		badDocs: make(map[string]bool),
	}
}

func (f *fakeES) get(index, id string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[index][id]
	return doc, ok
}

func (f *fakeES) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The v8 client refuses to talk to anything that does not
		// identify itself as Elasticsearch.
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/":
			w.Write([]byte(`{"version":{"number":"8.17.0"}}`))
		case r.URL.Path == "/_bulk":
			f.handleBulk(w, r)
		case r.Method == http.MethodHead:
			f.mu.Lock()
			_, ok := f.indices[strings.TrimPrefix(r.URL.Path, "/")]
			f.mu.Unlock()
			if ok {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut:
			name := strings.TrimPrefix(r.URL.Path, "/")
			var body bytes.Buffer
			body.ReadFrom(r.Body)
			f.mu.Lock()
			f.indices[name] = body.String()
			f.mu.Unlock()
			w.Write([]byte(`{"acknowledged":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeES) handleBulk(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bulkCalls++
	if f.failBulk > 0 {
		f.failBulk--
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"unavailable"}`))
		return
	}

	type respItem map[string]map[string]interface{}
	var items []respItem
	hadErrors := false

	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var meta map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		}
		if err := json.Unmarshal(line, &meta); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if m, ok := meta["index"]; ok {
			scanner.Scan()
			doc := append([]byte(nil), scanner.Bytes()...)

			status := http.StatusCreated
			if f.badDocs[m.ID] {
				status = http.StatusBadRequest
				hadErrors = true
			} else {
				if f.docs[m.Index] == nil {
					f.docs[m.Index] = make(map[string]json.RawMessage)
				}
				if _, exists := f.docs[m.Index][m.ID]; exists {
					status = http.StatusOK
				}
				f.docs[m.Index][m.ID] = doc
			}
			items = append(items, respItem{"index": {
				"_index": m.Index, "_id": m.ID, "status": status,
				"error": map[string]interface{}{"type": "mapper_parsing_exception", "reason": "bad document"},
			}})
		} else if m, ok := meta["delete"]; ok {
			status := http.StatusOK
			if _, exists := f.docs[m.Index][m.ID]; exists {
				delete(f.docs[m.Index], m.ID)
			} else {
				status = http.StatusNotFound
			}
			items = append(items, respItem{"delete": {
				"_index": m.Index, "_id": m.ID, "status": status,
			}})
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": hadErrors,
		"items":  items,
	})
}

func newTestWriter(t *testing.T, f *fakeES, maxRetries int) IndexWriter {
	t.Helper()

	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	return NewESIndexWriter(client, Config{
		Timeout:      2 * time.Second,
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
	})
}

func upsert(index, id string, body map[string]interface{}) domain.IndexAction {
	return domain.IndexAction{Kind: domain.ActionUpsert, Index: index, DocID: id, Body: body, Op: domain.OpCreate}
}

func del(index, id string) domain.IndexAction {
	return domain.IndexAction{Kind: domain.ActionDelete, Index: index, DocID: id, Op: domain.OpDelete}
}

func TestApplyUpsertThenDelete(t *testing.T) {
	f := newFakeES()
	w := newTestWriter(t, f, 0)

	result, err := w.Apply(context.Background(), domain.Batch{Actions: []domain.IndexAction{
		upsert("public-users", "1", map[string]interface{}{"id": 1, "name": "a"}),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	doc, ok := f.get("public-users", "1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1,"name":"a"}`, string(doc))

	result, err = w.Apply(context.Background(), domain.Batch{Actions: []domain.IndexAction{
		del("public-users", "1"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	_, ok = f.get("public-users", "1")
	assert.False(t, ok)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFakeES()
	w := newTestWriter(t, f, 0)

	b := domain.Batch{Actions: []domain.IndexAction{
		upsert("public-users", "1", map[string]interface{}{"id": 1, "name": "a"}),
		del("public-users", "2"),
	}}

	first, err := w.Apply(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Succeeded)

	// Replaying the exact same batch must succeed again and leave the
	// store in the same state: upsert replaces, delete-of-absent is ok.
	second, err := w.Apply(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Succeeded)
	assert.Empty(t, second.Failed)

	doc, ok := f.get("public-users", "1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1,"name":"a"}`, string(doc))
}

func TestApplyUpdateDeleteTombstoneSequence(t *testing.T) {
	f := newFakeES()
	w := newTestWriter(t, f, 0)

	// Update, delete, tombstone-delete for the same key, in order: the
	// document ends absent and every application reports success.
	result, err := w.Apply(context.Background(), domain.Batch{Actions: []domain.IndexAction{
		upsert("public-users", "5", map[string]interface{}{"id": 5, "name": "b"}),
		del("public-users", "5"),
		del("public-users", "5"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Succeeded)
	assert.Empty(t, result.Failed)

	_, ok := f.get("public-users", "5")
	assert.False(t, ok)
}

func TestApplyPermanentItemDoesNotAbortBatch(t *testing.T) {
	f := newFakeES()
	f.badDocs["bad"] = true
	w := newTestWriter(t, f, 0)

	result, err := w.Apply(context.Background(), domain.Batch{Actions: []domain.IndexAction{
		upsert("public-users", "1", map[string]interface{}{"id": 1}),
		upsert("public-users", "bad", map[string]interface{}{"id": "oops"}),
		upsert("public-users", "2", map[string]interface{}{"id": 2}),
	}})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Pos)
	assert.Equal(t, "bad", result.Failed[0].DocID)
	assert.Equal(t, http.StatusBadRequest, result.Failed[0].Status)

	_, ok := f.get("public-users", "1")
	assert.True(t, ok)
	_, ok = f.get("public-users", "2")
	assert.True(t, ok)
}

func TestApplyRetriesTransientFailure(t *testing.T) {
	f := newFakeES()
	f.failBulk = 2
	w := newTestWriter(t, f, 3)

	result, err := w.Apply(context.Background(), domain.Batch{Actions: []domain.IndexAction{
		upsert("public-users", "1", map[string]interface{}{"id": 1}),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 3, f.bulkCalls)
}

func TestApplyRetryBudgetExhausted(t *testing.T) {
	f := newFakeES()
	f.failBulk = 10
	w := newTestWriter(t, f, 2)

	_, err := w.Apply(context.Background(), domain.Batch{Actions: []domain.IndexAction{
		upsert("public-users", "1", map[string]interface{}{"id": 1}),
	}})
	require.Error(t, err)
	assert.Equal(t, 3, f.bulkCalls)
}

func TestApplyEmptyBatch(t *testing.T) {
	f := newFakeES()
	w := newTestWriter(t, f, 0)

	result, err := w.Apply(context.Background(), domain.Batch{Actions: []domain.IndexAction{
		{Kind: domain.ActionIgnore},
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Succeeded)
	assert.Equal(t, 0, f.bulkCalls)
}

func TestEnsureIndex(t *testing.T) {
	f := newFakeES()
	w := newTestWriter(t, f, 0)

	mapping := `{"mappings":{"properties":{"id":{"type":"integer"}}}}`
	require.NoError(t, w.EnsureIndex(context.Background(), "public-users", json.RawMessage(mapping)))
	assert.JSONEq(t, mapping, f.indices["public-users"])

	// Second call is a no-op and must not overwrite the mapping.
	require.NoError(t, w.EnsureIndex(context.Background(), "public-users", json.RawMessage(`{}`)))
	assert.JSONEq(t, mapping, f.indices["public-users"])
}

func TestPing(t *testing.T) {
	f := newFakeES()
	w := newTestWriter(t, f, 0)
	require.NoError(t, w.Ping(context.Background()))
}

func TestBuildBulkBody(t *testing.T) {
	body, posOf := buildBulkBody(domain.Batch{Actions: []domain.IndexAction{
		upsert("public-users", "1", map[string]interface{}{"name": "a"}),
		{Kind: domain.ActionIgnore},
		del("public-orders", "2"),
	}})

	assert.Equal(t, []int{0, 2}, posOf)

	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"index":{"_index":"public-users","_id":"1"}}`, lines[0])
	assert.JSONEq(t, `{"name":"a"}`, lines[1])
	assert.JSONEq(t, `{"delete":{"_index":"public-orders","_id":"2"}}`, lines[2])
}

func TestClassifyItems(t *testing.T) {
	mkItem := func(kind string, status int) map[string]bulkItem {
		return map[string]bulkItem{kind: {Index: "i", ID: "d", Status: status}}
	}

	result, transient, err := classifyItems([]map[string]bulkItem{
		mkItem("index", 201),
		mkItem("index", 200),
		mkItem("delete", 404),
		mkItem("index", 400),
		mkItem("index", 503),
	}, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)

	assert.True(t, transient)
	assert.Equal(t, 3, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 3, result.Failed[0].Pos)
	assert.Equal(t, 400, result.Failed[0].Status)
}
