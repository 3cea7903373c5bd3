package bodyparser

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// consolidateStream folds a raw SSE transcript into a single non-stream
// body so downstream shaping sees one shape per provider. Non-SSE input
// passes through untouched: some edges already consolidate.
func consolidateStream(body string) (string, error) {
	chunks := streamChunks(body)
	if len(chunks) == 0 {
		return body, nil
	}
	if chunks[0].Get("type").Exists() {
		return consolidateAnthropicStream(chunks)
	}
	return consolidateOpenAIStream(chunks)
}

func streamChunks(body string) []gjson.Result {
	var chunks []gjson.Result
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		parsed := gjson.Parse(data)
		if parsed.IsObject() {
			chunks = append(chunks, parsed)
		}
	}
	return chunks
}

// consolidateOpenAIStream joins chat.completion.chunk deltas into one
// message. Usage rides on the final chunk when the edge requested it.
func consolidateOpenAIStream(chunks []gjson.Result) (string, error) {
	var (
		content   strings.Builder
		model     string
		usage     string
		finishRsn string
	)
	for _, chunk := range chunks {
		if model == "" {
			model = chunk.Get("model").Str
		}
		if u := chunk.Get("usage"); u.IsObject() {
			usage = u.Raw
		}
		choice := chunk.Get("choices.0")
		if !choice.Exists() {
			continue
		}
		content.WriteString(choice.Get("delta.content").Str)
		if fr := choice.Get("finish_reason"); fr.Str != "" {
			finishRsn = fr.Str
		}
	}

	out := `{"object":"chat.completion"}`
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices.0.message.role", "assistant")
	out, _ = sjson.Set(out, "choices.0.message.content", content.String())
	if finishRsn != "" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", finishRsn)
	}
	if usage != "" {
		var err error
		out, err = sjson.SetRaw(out, "usage", usage)
		if err != nil {
			return "", fmt.Errorf("folding stream usage: %w", err)
		}
	}
	return out, nil
}

// consolidateAnthropicStream folds typed message events: input tokens come
// from message_start, output tokens from the last message_delta.
func consolidateAnthropicStream(chunks []gjson.Result) (string, error) {
	var (
		content      strings.Builder
		model        string
		inputTokens  int64
		outputTokens int64
		cacheRead    int64
		cacheWrite   int64
		stopReason   string
	)
	for _, chunk := range chunks {
		switch chunk.Get("type").Str {
		case "message_start":
			msg := chunk.Get("message")
			model = msg.Get("model").Str
			inputTokens = msg.Get("usage.input_tokens").Int()
			cacheRead = msg.Get("usage.cache_read_input_tokens").Int()
			cacheWrite = msg.Get("usage.cache_creation_input_tokens").Int()
		case "content_block_delta":
			content.WriteString(chunk.Get("delta.text").Str)
		case "message_delta":
			if u := chunk.Get("usage.output_tokens"); u.Exists() {
				outputTokens = u.Int()
			}
			if sr := chunk.Get("delta.stop_reason"); sr.Str != "" {
				stopReason = sr.Str
			}
		}
	}

	out := `{"type":"message","role":"assistant"}`
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "content.0.type", "text")
	out, _ = sjson.Set(out, "content.0.text", content.String())
	if stopReason != "" {
		out, _ = sjson.Set(out, "stop_reason", stopReason)
	}
	out, _ = sjson.Set(out, "usage.input_tokens", inputTokens)
	out, _ = sjson.Set(out, "usage.output_tokens", outputTokens)
	if cacheRead > 0 {
		out, _ = sjson.Set(out, "usage.cache_read_input_tokens", cacheRead)
	}
	if cacheWrite > 0 {
		out, _ = sjson.Set(out, "usage.cache_creation_input_tokens", cacheWrite)
	}
	return out, nil
}
