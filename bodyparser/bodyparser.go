// Package bodyparser implements the provider body adapter: it normalizes
// raw request and response bodies from the supported providers (and their
// streaming variants) into a parsed body, model name, token usage and
// extracted assets.
package bodyparser

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/pipeline"
)

type Parser struct {
	log logger.Logger
}

func New(log logger.Logger) *Parser {
	return &Parser{log: log.Child("bodyparser")}
}

// ParseRequest extracts the request model and replaces inline media content
// with asset placeholders so large payloads never reach the relational
// store.
func (p *Parser) ParseRequest(_ context.Context, in pipeline.ParseInput) (pipeline.ParsedBody, error) {
	body := pipeline.Sanitize(in.Body)
	model := in.ModelOverride
	if model == "" {
		model = gjson.Get(body, "model").Str
	}
	body, assets := extractAssets(body)
	return pipeline.ParsedBody{Body: body, Model: model, Assets: assets}, nil
}

// ParseResponse dispatches on provider and stream shape, returning the
// normalized body with token usage.
func (p *Parser) ParseResponse(_ context.Context, in pipeline.ParseInput) (pipeline.ParsedBody, error) {
	body := pipeline.Sanitize(in.Body)
	if in.IsStream {
		var err error
		body, err = consolidateStream(body)
		if err != nil {
			return pipeline.ParsedBody{}, err
		}
	}

	parsed := pipeline.ParsedBody{Body: body}
	switch {
	case strings.EqualFold(in.Provider, "ANTHROPIC"):
		parsed.Model = gjson.Get(body, "model").Str
		parsed.Usage = anthropicUsage(body)
	case strings.EqualFold(in.Provider, "GOOGLE"):
		parsed.Model = gjson.Get(body, "modelVersion").Str
		parsed.Usage = googleUsage(body)
	default:
		parsed.Model = gjson.Get(body, "model").Str
		parsed.Usage = openAIUsage(body)
	}
	if in.ModelOverride != "" {
		parsed.Model = in.ModelOverride
	}

	var assets map[string]string
	parsed.Body, assets = extractAssets(parsed.Body)
	parsed.Assets = assets
	return parsed, nil
}

func openAIUsage(body string) models.Usage {
	var u models.Usage
	usage := gjson.Get(body, "usage")
	if !usage.Exists() {
		return u
	}
	u.PromptTokens = intPtr(usage.Get("prompt_tokens"))
	u.CompletionTokens = intPtr(usage.Get("completion_tokens"))
	u.PromptCacheReadTokens = intPtr(usage.Get("prompt_tokens_details.cached_tokens"))
	u.PromptAudioTokens = intPtr(usage.Get("prompt_tokens_details.audio_tokens"))
	u.CompletionAudioTokens = intPtr(usage.Get("completion_tokens_details.audio_tokens"))
	if cost := usage.Get("cost"); cost.Exists() {
		v := cost.Float()
		u.Cost = &v
	}
	return u
}

func anthropicUsage(body string) models.Usage {
	var u models.Usage
	usage := gjson.Get(body, "usage")
	if !usage.Exists() {
		return u
	}
	u.PromptTokens = intPtr(usage.Get("input_tokens"))
	u.CompletionTokens = intPtr(usage.Get("output_tokens"))
	u.PromptCacheReadTokens = intPtr(usage.Get("cache_read_input_tokens"))
	u.PromptCacheWriteTokens = intPtr(usage.Get("cache_creation_input_tokens"))
	return u
}

func googleUsage(body string) models.Usage {
	var u models.Usage
	usage := gjson.Get(body, "usageMetadata")
	if !usage.Exists() {
		return u
	}
	u.PromptTokens = intPtr(usage.Get("promptTokenCount"))
	u.CompletionTokens = intPtr(usage.Get("candidatesTokenCount"))
	u.PromptCacheReadTokens = intPtr(usage.Get("cachedContentTokenCount"))
	return u
}

func intPtr(r gjson.Result) *int64 {
	if !r.Exists() {
		return nil
	}
	v := r.Int()
	return &v
}

// extractAssets walks the message content arrays and replaces inline or
// referenced media with placeholder strings, returning the id-to-source map
// for the blob store.
func extractAssets(body string) (string, map[string]string) {
	assets := make(map[string]string)
	body = extractAssetsAt(body, "messages", assets)
	body = extractAssetsAt(body, "choices", assets)
	if len(assets) == 0 {
		return body, nil
	}
	return body, assets
}

func extractAssetsAt(body, field string, assets map[string]string) string {
	items := gjson.Get(body, field)
	if !items.IsArray() {
		return body
	}
	for i, item := range items.Array() {
		content := item.Get("content")
		if !content.IsArray() {
			continue
		}
		for j, part := range content.Array() {
			url := part.Get("image_url.url")
			if !url.Exists() || !isAssetSource(url.Str) {
				continue
			}
			id := uuid.New().String()
			assets[id] = url.Str
			path := field + "." + strconv.Itoa(i) + ".content." + strconv.Itoa(j) + ".image_url.url"
			body, _ = sjson.Set(body, path, "<siphon-asset:"+id+">")
		}
	}
	return body
}

func isAssetSource(s string) bool {
	return strings.HasPrefix(s, "data:") ||
		strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://")
}
