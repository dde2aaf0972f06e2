package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Synthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var req SpeechRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tts-1", req.Model)
		assert.Equal(t, "alloy", req.Voice)
		assert.Equal(t, "hello", req.Input)
		assert.Equal(t, "wav", req.ResponseFormat)
		w.Write([]byte("RIFF-data"))
	}))
	defer server.Close()

	client := NewClient(Config{ServerURL: server.URL, Model: "tts-1", Voice: "alloy"})
	wav, err := client.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF-data"), wav)
}

func TestClient_SynthesizeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := NewClient(Config{ServerURL: server.URL}).Synthesize(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad voice")
}
