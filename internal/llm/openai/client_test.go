package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	paths  []string
	auth   string
	bodies []map[string]any
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var body map[string]any
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.paths = append(r.paths, req.URL.Path)
	r.auth = req.Header.Get("Authorization")
	r.bodies = append(r.bodies, body)
}

func newServer(t *testing.T, rec *recorder, status int, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://localhost:11434/v1/"})
	require.NoError(t, err)
	assert.Equal(t, DefaultChatModel, c.chatModel)
	assert.Equal(t, DefaultEmbeddingModel, c.embeddingModel)
}

func TestComplete(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := newServer(t, rec, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": " - Raise pool size \n"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	c, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", ChatModel: "gpt-test", MaxTokens: 300})
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), "be terse", "suggest fixes")
	require.NoError(t, err)
	assert.Equal(t, "- Raise pool size", text)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"/v1/chat/completions"}, rec.paths)
	assert.Equal(t, "Bearer sk-test", rec.auth)
	body := rec.bodies[0]
	assert.Equal(t, "gpt-test", body["model"])
	assert.EqualValues(t, 300, body["max_completion_tokens"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "suggest fixes", msgs[1].(map[string]any)["content"])
}

func TestComplete_NoChoices(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &recorder{}, http.StatusOK, `{"id":"x","choices":[]}`)
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", "hi")
	assert.Error(t, err)
}

func TestComplete_APIError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &recorder{}, http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai: chat completion")
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := newServer(t, rec, http.StatusOK, `{
		"object": "list",
		"data": [{"object": "embedding", "index": 0, "embedding": [0.25, -0.5, 1]}],
		"model": "text-embedding-3-small",
		"usage": {"prompt_tokens": 3, "total_tokens": 3}
	}`)

	c, err := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1", Dimensions: 3})
	require.NoError(t, err)

	vec, err := c.Embed(context.Background(), "pool exhausted")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"/v1/embeddings"}, rec.paths)
	assert.Equal(t, DefaultEmbeddingModel, rec.bodies[0]["model"])
	assert.EqualValues(t, 3, rec.bodies[0]["dimensions"])
}

func TestEmbed_Empty(t *testing.T) {
	t.Parallel()

	srv := newServer(t, &recorder{}, http.StatusOK, `{"object":"list","data":[]}`)
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "x")
	assert.Error(t, err)
}
