package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/streamflow/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(Config{
		ProviderName: "testprovider",
		APIKey:       "test-key",
		BaseURL:      server.URL,
		DefaultModel: "test-model",
		Timeout:      5 * time.Second,
	}, nil)
	return client, server
}

func TestClient_Completion(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body.Model)
		assert.False(t, body.Stream)
		assert.Equal(t, []string{"STOP"}, body.Stop)

		json.NewEncoder(w).Encode(wireResponse{
			ID:    "cmpl-1",
			Model: "test-model",
			Choices: []wireChoice{{
				Index:        0,
				FinishReason: "stop",
				Message:      wireMessage{Role: "assistant", Content: "hello there"},
			}},
			Usage:   &wireUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			Created: 1700000000,
		})
	})

	resp, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
		Stop:     []string{"STOP"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cmpl-1", resp.ID)
	assert.Equal(t, "testprovider", resp.Provider)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "stop", resp.Finish)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, time.Unix(1700000000, 0), resp.CreatedAt)
}

func TestClient_CompletionModelSelection(t *testing.T) {
	var gotModel string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		json.NewEncoder(w).Encode(wireResponse{ID: "x"})
	})

	_, err := client.Completion(context.Background(), &ChatRequest{
		Model:    "override-model",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "override-model", gotModel, "request model overrides default")
}

func TestClient_CompletionUpstreamError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  types.ErrorCode
		wantRetry bool
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, types.ErrUnauthorized, false},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, types.ErrRateLimited, true},
		{"quota keyword in 400", 400, `{"error":{"message":"quota exceeded"}}`, types.ErrQuotaExceeded, false},
		{"plain 400", 400, `{"error":{"message":"bad field"}}`, types.ErrInvalidRequest, false},
		{"bad gateway", 502, `upstream down`, types.ErrUpstreamError, true},
		{"overloaded", 529, `{"error":{"message":"busy"}}`, types.ErrModelOverloaded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := client.Completion(context.Background(), &ChatRequest{
				Messages: []types.Message{types.NewUserMessage("hi")},
			})
			require.Error(t, err)

			var terr *types.Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.wantCode, terr.Code)
			assert.Equal(t, tt.wantRetry, terr.Retryable)
			assert.Equal(t, "testprovider", terr.Provider)
		})
	}
}

func sseBody(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: " + e + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func deltaEvent(content, finish string) string {
	resp := wireResponse{
		ID:    "cmpl-s",
		Model: "test-model",
		Choices: []wireChoice{{
			Delta:        &wireMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestClient_Stream(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			deltaEvent("hel", ""),
			deltaEvent("lo", ""),
			deltaEvent("", "stop"),
		))
	})

	ch, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var text strings.Builder
	var finish string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		text.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "hello", text.String())
	assert.Equal(t, "stop", finish)
}

func TestClient_StreamIgnoresNonDataLines(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: ping\n\n")
		fmt.Fprint(w, sseBody(deltaEvent("ok", "")))
	})

	ch, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var got []string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		got = append(got, chunk.Text)
	}
	assert.Equal(t, []string{"ok"}, got)
}

func TestClient_StreamMalformedEventYieldsErrorChunk(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
	})

	ch, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	chunk, ok := <-ch
	require.True(t, ok)
	require.NotNil(t, chunk.Err)
	assert.Equal(t, types.ErrUpstreamError, chunk.Err.Code)

	_, ok = <-ch
	assert.False(t, ok, "channel closes after error chunk")
}

func TestClient_StreamErrorStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	})

	_, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrRateLimited, terr.Code)
}

func TestClient_HealthCheck(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []Model{}})
	})

	status, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestClient_HealthCheckFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	status, err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, status.Healthy)
}

func TestClient_ListModels(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []Model{
				{ID: "model-a", OwnedBy: "test"},
				{ID: "model-b", OwnedBy: "test"},
			},
		})
	})

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "model-a", models[0].ID)
}

func TestClient_CustomHeaders(t *testing.T) {
	var gotHeader string
	handler := func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		json.NewEncoder(w).Encode(wireResponse{ID: "x"})
	}
	server := httptest.NewServer(http.HandlerFunc(handler))
	defer server.Close()

	client := New(Config{
		ProviderName: "custom",
		APIKey:       "secret",
		BaseURL:      server.URL,
		BuildHeaders: func(req *http.Request, apiKey string) {
			req.Header.Set("X-Api-Key", apiKey)
			req.Header.Set("Content-Type", "application/json")
		},
	}, nil)

	_, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", gotHeader)
}

func TestClient_RequestHook(t *testing.T) {
	var gotModel string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		json.NewEncoder(w).Encode(wireResponse{ID: "x"})
	})
	client.cfg.RequestHook = func(req *ChatRequest, body *wireRequest) {
		body.Model = "hooked-model"
	}

	_, err := client.Completion(context.Background(), &ChatRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hooked-model", gotModel)
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "req", chooseModel(&ChatRequest{Model: "req"}, "def", "fb"))
	assert.Equal(t, "def", chooseModel(&ChatRequest{}, "def", "fb"))
	assert.Equal(t, "fb", chooseModel(&ChatRequest{}, "", "fb"))
	assert.Equal(t, "fb", chooseModel(nil, "", "fb"))
}

func TestReadErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"structured error", `{"error":{"message":"boom"}}`, "boom"},
		{"with type", `{"error":{"message":"boom","type":"invalid"}}`, "boom (type: invalid)"},
		{"plain text fallback", "raw failure", "raw failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReadErrorMessage(strings.NewReader(tt.body)))
		})
	}
}
