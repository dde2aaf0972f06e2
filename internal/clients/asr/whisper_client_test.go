package asr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisperClient_Transcribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.True(t, strings.HasPrefix(header.Filename, "ivr-segment-"))
		assert.True(t, strings.HasSuffix(header.Filename, ".wav"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"  I need support  "}`))
	}))
	defer server.Close()

	client := NewWhisperClient(Config{ServerURL: server.URL, APIKey: "key", Model: "whisper-1", Language: "en"})
	text, err := client.Transcribe(context.Background(), []byte("RIFF"))
	require.NoError(t, err)
	assert.Equal(t, "I need support", text)
}

func TestWhisperClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewWhisperClient(Config{ServerURL: server.URL, Model: "whisper-1"})
	_, err := client.Transcribe(context.Background(), []byte("RIFF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
