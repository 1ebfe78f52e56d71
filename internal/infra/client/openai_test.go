package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/client"
)

type tokenCounter struct{ prompt, completion int }

func (c *tokenCounter) RecordTokens(prompt, completion int) {
	c.prompt += prompt
	c.completion += completion
}

func TestOpenAIGenerator_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Contains(t, req.Messages[1].Content, "- component: retriever\n")
			assert.Contains(t, req.Messages[1].Content, "root cause")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "model": "gpt-test",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "  Top_k was lowered.  "}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
}`))
	}))
	defer srv.Close()

	tokens := &tokenCounter{}
	g := client.NewOpenAIGenerator(client.OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
		Model:   "gpt-test",
	}, breaker("textgen"), tokens)

	text, err := g.Generate(context.Background(), domain.GenerationRequest{
		Kind:  domain.GenerateTechnicalDetail,
		Facts: map[string]string{"component": "retriever", "severity": "high"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Top_k was lowered.", text)
	assert.Equal(t, 42, tokens.prompt)
	assert.Equal(t, 7, tokens.completion)
}

func TestOpenAIGenerator_ErrorIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	defer srv.Close()

	g := client.NewOpenAIGenerator(client.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, breaker("textgen"), nil)
	_, err := g.Generate(context.Background(), domain.GenerationRequest{
		Kind:  domain.GenerateProposalDescription,
		Facts: map[string]string{"component": "retriever"},
	})

	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "textgen", ext.Service)
	assert.True(t, strings.Contains(err.Error(), "overloaded"))
}
