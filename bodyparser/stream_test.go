package bodyparser

import (
	"context"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/siphonlog/siphon/pipeline"
)

const openAIStream = `data: {"object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}

data: {"object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hel"}}]}

data: {"object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"lo!"}}]}

data: {"object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}

data: [DONE]
`

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"model":"claude-3-5-haiku-20241022","usage":{"input_tokens":25,"cache_read_input_tokens":10,"cache_creation_input_tokens":0}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo!"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}
`

func TestConsolidateOpenAIStream(t *testing.T) {
	out, err := consolidateStream(openAIStream)
	require.NoError(t, err)

	require.Equal(t, "gpt-4o-mini", gjson.Get(out, "model").Str)
	require.Equal(t, "Hello!", gjson.Get(out, "choices.0.message.content").Str)
	require.Equal(t, "assistant", gjson.Get(out, "choices.0.message.role").Str)
	require.Equal(t, "stop", gjson.Get(out, "choices.0.finish_reason").Str)
	require.EqualValues(t, 12, gjson.Get(out, "usage.prompt_tokens").Int())
	require.EqualValues(t, 3, gjson.Get(out, "usage.completion_tokens").Int())
}

func TestConsolidateAnthropicStream(t *testing.T) {
	out, err := consolidateStream(anthropicStream)
	require.NoError(t, err)

	require.Equal(t, "claude-3-5-haiku-20241022", gjson.Get(out, "model").Str)
	require.Equal(t, "Hello!", gjson.Get(out, "content.0.text").Str)
	require.Equal(t, "end_turn", gjson.Get(out, "stop_reason").Str)
	require.EqualValues(t, 25, gjson.Get(out, "usage.input_tokens").Int())
	require.EqualValues(t, 3, gjson.Get(out, "usage.output_tokens").Int())
	require.EqualValues(t, 10, gjson.Get(out, "usage.cache_read_input_tokens").Int())
	// Zero cache-write tokens are omitted rather than emitted as 0.
	require.False(t, gjson.Get(out, "usage.cache_creation_input_tokens").Exists())
}

func TestConsolidateStreamPassesThroughNonSSE(t *testing.T) {
	body := `{"model":"gpt-4o","choices":[{"message":{"content":"already consolidated"}}]}`
	out, err := consolidateStream(body)
	require.NoError(t, err)
	require.Equal(t, body, out)
}

func TestParseResponseConsolidatesStream(t *testing.T) {
	p := New(logger.NOP)

	parsed, err := p.ParseResponse(context.Background(), pipeline.ParseInput{
		Body:     openAIStream,
		Provider: "OPENAI",
		IsStream: true,
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", parsed.Model)
	require.EqualValues(t, 12, *parsed.Usage.PromptTokens)
	require.EqualValues(t, 3, *parsed.Usage.CompletionTokens)
	require.Equal(t, "Hello!", gjson.Get(parsed.Body, "choices.0.message.content").Str)
}

func TestParseResponseConsolidatesAnthropicStream(t *testing.T) {
	p := New(logger.NOP)

	parsed, err := p.ParseResponse(context.Background(), pipeline.ParseInput{
		Body:     anthropicStream,
		Provider: "ANTHROPIC",
		IsStream: true,
	})
	require.NoError(t, err)
	require.Equal(t, "claude-3-5-haiku-20241022", parsed.Model)
	require.EqualValues(t, 25, *parsed.Usage.PromptTokens)
	require.EqualValues(t, 3, *parsed.Usage.CompletionTokens)
	require.EqualValues(t, 10, *parsed.Usage.PromptCacheReadTokens)
}

func TestStreamChunksSkipsNoise(t *testing.T) {
	chunks := streamChunks("data: [DONE]\n\ndata:\n\n: keep-alive comment\n\ndata: {\"a\":1}\n")
	require.Len(t, chunks, 1)
	require.EqualValues(t, 1, chunks[0].Get("a").Int())
}
