package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ReturnsMessageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		resp := chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "async def execute_skill(): pass"}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	gen := New("test-key", time.Second, WithBaseURL(srv.URL))
	out, err := gen.Generate(context.Background(), "write a skill", Options{})
	require.NoError(t, err)
	assert.Contains(t, out, "execute_skill")
}

func TestGenerate_MissingAPIKeyIsInputError(t *testing.T) {
	gen := New("", time.Second)
	_, err := gen.Generate(context.Background(), "prompt", Options{})
	assert.Error(t, err)
}

func TestGenerate_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gen := New("test-key", time.Second, WithBaseURL(srv.URL))
	_, err := gen.Generate(context.Background(), "prompt", Options{})
	assert.Error(t, err)
}
