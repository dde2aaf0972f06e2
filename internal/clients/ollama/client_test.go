package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Generate(t *testing.T) {
	var got GenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(GenerateResponse{Response: "您好", Done: true})
	}))
	defer server.Close()

	client := NewClient(Config{Host: server.URL + "/", Model: "qwen2.5"})
	resp, err := client.Generate(context.Background(), "用户: 你好", "你是客服", Options{Temperature: 0.6, NumPredict: 256})
	require.NoError(t, err)
	assert.Equal(t, "您好", resp.Response)
	assert.Equal(t, "qwen2.5", got.Model)
	assert.Equal(t, "你是客服", got.System)
	assert.False(t, got.Stream)
	assert.Equal(t, 256, got.Options.NumPredict)
}

func TestClient_GenerateError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{Host: server.URL, Model: "missing"})
	_, err := client.Generate(context.Background(), "hi", "", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}
