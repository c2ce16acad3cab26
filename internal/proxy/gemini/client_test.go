package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertRequestMapsRoles(t *testing.T) {
	req := ChatRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
		},
	}

	converted := convertRequest(req)
	require.Len(t, converted.Contents, 3)
	assert.Equal(t, "user", converted.Contents[0].Role)
	assert.Equal(t, "user", converted.Contents[1].Role)
	assert.Equal(t, "model", converted.Contents[2].Role)
	assert.Nil(t, converted.GenerationConfig)
}

func TestGenerateContentExtractsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-1", r.URL.Query().Get("key"))
		assert.Contains(t, r.URL.Path, "gemini-2.5-flash:generateContent")
		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{
				Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: "hello "}, {Text: "there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: geminiUsage{PromptTokenCount: 7, CandidatesTokenCount: 3, TotalTokenCount: 10},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	resp, err := client.GenerateContent(context.Background(), "secret-1", "gemini-2.5-flash",
		ChatRequest{Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.Equal(t, "chat.completion", resp.Object)
}

func TestGenerateContentQuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 429, "status": "RESOURCE_EXHAUSTED"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.GenerateContent(context.Background(), "secret-1", "gemini-2.5-flash", ChatRequest{})
	require.Error(t, err)
	assert.True(t, IsQuotaExhausted(err))
}

func TestStreamTranslatesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []geminiResponse{
			{Candidates: []geminiCandidate{{Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: "par"}}}}}},
			{
				Candidates:    []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "tial"}}}, FinishReason: "STOP"}},
				UsageMetadata: geminiUsage{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
			},
		}
		for _, c := range chunks {
			data, _ := json.Marshal(c)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.StreamGenerateContent(context.Background(), "secret-1", "gemini-2.5-flash", ChatRequest{})
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, first.Choices, 1)
	assert.Equal(t, "par", first.Choices[0].Delta.Content)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)

	second, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, second.Choices, 1)
	assert.Equal(t, "tial", second.Choices[0].Delta.Content)
	require.NotNil(t, second.Usage)
	assert.Equal(t, 6, second.Usage.TotalTokens)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
		data, _ := json.Marshal(geminiResponse{
			Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "ok"}}}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.StreamGenerateContent(context.Background(), "s", "gemini-2.5-flash", ChatRequest{})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "ok", chunk.Choices[0].Delta.Content)
}
