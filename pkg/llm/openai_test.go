package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "gpt-4o-mini",
	})
}

func TestOpenAIComplete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		json.NewEncoder(w).Encode(openAIResponse{
			ID:      "cmpl-1",
			Created: 1700000000,
			Choices: []openAIChoice{{
				Message:      openAIMessage{Role: "assistant", Content: "The answer is 4."},
				FinishReason: "stop",
			}},
			Usage: &openAIUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	})

	completion, err := client.Complete(context.Background(),
		[]Message{NewUserMessage("What is 2+2?")}, DefaultCompletionOptions())
	require.NoError(t, err)

	assert.Equal(t, "cmpl-1", completion.ID)
	assert.Equal(t, "The answer is 4.", completion.Content)
	assert.Empty(t, completion.ToolCalls())
	require.NotNil(t, completion.Usage)
	assert.Equal(t, 15, completion.Usage.TotalTokens)
}

func TestOpenAICompleteToolCalls(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openAIResponse{
			ID: "cmpl-2",
			Choices: []openAIChoice{{
				Message: openAIMessage{
					Role: "assistant",
					ToolCalls: []openAIToolCall{{
						ID:   "call_1",
						Type: "function",
						Function: openAIFunction{
							Name:      "calculator",
							Arguments: `{"a":2,"b":2,"operation":"add"}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
		})
	})

	completion, err := client.Complete(context.Background(),
		[]Message{NewUserMessage("What is 2+2?")}, DefaultCompletionOptions())
	require.NoError(t, err)

	calls := completion.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "calculator", calls[0].Name)
	assert.JSONEq(t, `{"a":2,"b":2,"operation":"add"}`, string(calls[0].Arguments))
}

func TestOpenAIErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusBadRequest, KindValidation},
		{http.StatusNotFound, KindNotFound},
		{http.StatusInternalServerError, KindService},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			})
			_, err := client.Complete(context.Background(),
				[]Message{NewUserMessage("hi")}, DefaultCompletionOptions())
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestOpenAIStreamComplete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-3\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-3\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-3\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	completion, err := client.StreamComplete(context.Background(),
		[]Message{NewUserMessage("hi")}, DefaultCompletionOptions(), func(chunk StreamChunk) {
			if chunk.Content != "" {
				deltas = append(deltas, chunk.Content)
			}
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", completion.Content)
	assert.Equal(t, "cmpl-3", completion.ID)
}

func TestOpenAIStreamToolCallDeltas(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-4\",\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"calculator\",\"arguments\":\"{\\\"a\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-4\",\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"2}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-4\",\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	completion, err := client.StreamComplete(context.Background(),
		[]Message{NewUserMessage("math")}, DefaultCompletionOptions(), nil)
	require.NoError(t, err)

	calls := completion.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "calculator", calls[0].Name)
	assert.JSONEq(t, `{"a":2}`, string(calls[0].Arguments))
}
