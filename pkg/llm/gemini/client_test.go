package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okResponse(text string) generateResponse {
	return generateResponse{
		Candidates: []candidate{
			{
				Content: candidateContent{
					Role: "model",
					Parts: []candidatePart{
						{Text: "planning the output", Thought: true},
						{Text: text},
					},
				},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: &usageMetadata{
			PromptTokenCount:     1000,
			CandidatesTokenCount: 200,
			TotalTokenCount:      1200,
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{WithBaseDelay(time.Millisecond), WithMaxDelay(5 * time.Millisecond)}, opts...)
	client, err := NewClient(Config{
		APIKey:              "test-key",
		Endpoint:            srv.URL,
		Model:               "gemini-2.5-flash",
		PromptTokenRate:     0.30,
		CompletionTokenRate: 2.50,
	}, opts...)
	require.NoError(t, err)
	return client
}

func TestCallSuccess(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMimeType)
		require.NotNil(t, req.SystemInstruction)
		assert.Equal(t, "extract entities", req.SystemInstruction.Parts[0].Text)
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "user", req.Contents[0].Role)

		json.NewEncoder(w).Encode(okResponse(`[{"operation":"create"}]`))
	})

	result, err := client.Call(context.Background(), "extract entities", "some chunk text")
	require.NoError(t, err)
	assert.Equal(t, `[{"operation":"create"}]`, result.Content)
	assert.Equal(t, 1000, result.PromptTokens)
	assert.Equal(t, 200, result.CompletionTokens)
	assert.Equal(t, 1200, result.TotalTokens)
	assert.InDelta(t, 0.0008, result.Cost, 1e-9)
	assert.Equal(t, int32(1), requests.Load())
}

func TestCallRetriesTransientErrors(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
			return
		}
		json.NewEncoder(w).Encode(okResponse("[]"))
	})

	result, err := client.Call(context.Background(), "", "text")
	require.NoError(t, err)
	assert.Equal(t, "[]", result.Content)
	assert.Equal(t, int32(3), requests.Load())
}

func TestCallFatalOnClientError(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid argument"}}`))
	})

	_, err := client.Call(context.Background(), "", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error 400")
	assert.Equal(t, int32(1), requests.Load(), "client errors must not be retried")
}

func TestCallExhaustsRetries(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, WithMaxRetries(3))

	_, err := client.Call(context.Background(), "", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all retries exhausted")
	assert.Equal(t, int32(4), requests.Load(), "initial attempt plus three retries")
}

func TestCallSafetyBlock(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{FinishReason: "SAFETY"}},
		})
	})

	_, err := client.Call(context.Background(), "", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety")
}

func TestCallNoCandidates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{})
	})

	_, err := client.Call(context.Background(), "", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, client.Model())
	assert.True(t, client.IsConfigured())
	assert.Equal(t, DefaultMaxRetries, client.maxRetries)
	assert.Equal(t, DefaultBaseDelay, client.baseDelay)
}
