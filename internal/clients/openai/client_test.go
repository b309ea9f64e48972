package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/mbaxszy7/mnemora/internal/pkg/logger"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestClient(t *testing.T, rt roundTripperFunc) *Client {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_BASE_URL", "http://upstream")
	t.Setenv("OPENAI_MAX_RETRIES", "2")
	c, err := NewClient(logger.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.httpClient = &http.Client{Transport: rt}
	return c
}

func jsonResponse(status int, body any) *http.Response {
	raw, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

func TestEmbedAlignsByIndex(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/embeddings" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("auth header: %q", got)
		}
		out := embeddingsResponse{}
		// Deliberately out of order; the client must realign.
		out.Data = append(out.Data, struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float64{0.3, 0.4}, Index: 1})
		out.Data = append(out.Data, struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float64{0.1, 0.2}, Index: 0})
		return jsonResponse(http.StatusOK, out), nil
	})

	vecs, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("vector count: %d", len(vecs))
	}
	if vecs[0][0] != float32(0.1) || vecs[1][0] != float32(0.3) {
		t.Fatalf("vectors misaligned: %v", vecs)
	}
}

func TestEmbedMissingIndexFails(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		out := embeddingsResponse{}
		out.Data = append(out.Data, struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float64{0.1}, Index: 0})
		return jsonResponse(http.StatusOK, out), nil
	})
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("missing index accepted")
	}
}

func TestGenerateJSONParsesOutputText(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/responses" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		var in map[string]any
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		format := in["text"].(map[string]any)["format"].(map[string]any)
		if format["type"] != "json_schema" || format["name"] != "test_schema" {
			t.Fatalf("format: %v", format)
		}
		return jsonResponse(http.StatusOK, map[string]any{
			"output": []map[string]any{{
				"type": "message",
				"content": []map[string]any{
					{"type": "output_text", "text": `{"answer": 42}`},
				},
			}},
		}), nil
	})

	obj, err := c.GenerateJSON(context.Background(), "sys", "user", "test_schema", map[string]any{"type": "object"})
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if obj["answer"] != float64(42) {
		t.Fatalf("parsed object: %v", obj)
	}
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return jsonResponse(http.StatusTooManyRequests, map[string]any{"error": "slow down"}), nil
		}
		out := embeddingsResponse{}
		out.Data = append(out.Data, struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float64{0.5}, Index: 0})
		return jsonResponse(http.StatusOK, out), nil
	})

	vecs, err := c.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls: %d", calls.Load())
	}
	if len(vecs) != 1 || vecs[0][0] != float32(0.5) {
		t.Fatalf("vectors: %v", vecs)
	}
}

func TestNoRetryOn400(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(http.StatusBadRequest, map[string]any{"error": "bad schema"}), nil
	})

	if _, err := c.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("400 accepted")
	}
	if calls.Load() != 1 {
		t.Fatalf("client retried a 400: %d calls", calls.Load())
	}
}
