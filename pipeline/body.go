package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/siphonlog/siphon/models"
)

// maxAssetsPerRecord caps how many extracted assets one record may carry.
const maxAssetsPerRecord = 100

const omittedBody = `{"siphon_message":"body omitted"}`

// BlobFetcher retrieves the raw request/response document stored by the edge
// under (organization, request).
type BlobFetcher interface {
	FetchRequestResponse(ctx context.Context, orgID, requestID string) (RawLog, error)
}

// ParseInput selects and feeds a provider/stream-specific body parser.
type ParseInput struct {
	Body          string
	Provider      string
	Path          string
	IsStream      bool
	ModelOverride string
}

// ParsedBody is the parser's normalized output.
type ParsedBody struct {
	Body   string
	Model  string
	Usage  models.Usage
	Assets map[string]string
}

// BodyProcessor is the external provider-adapter collaborator: it knows how
// to parse OpenAI/Anthropic/Google and stream formats into structured usage.
type BodyProcessor interface {
	ParseRequest(ctx context.Context, in ParseInput) (ParsedBody, error)
	ParseResponse(ctx context.Context, in ParseInput) (ParsedBody, error)
}

// RequestBodyStage fetches the raw bodies from blob storage and parses the
// request half: model name, embedded assets, truncation of oversized
// content.
type RequestBodyStage struct {
	fetcher   BlobFetcher
	processor BodyProcessor
	log       logger.Logger

	maxBodySize *config.Reloadable[int64]
}

func NewRequestBodyStage(fetcher BlobFetcher, processor BodyProcessor, conf *config.Config, log logger.Logger) *RequestBodyStage {
	return &RequestBodyStage{
		fetcher:     fetcher,
		processor:   processor,
		log:         log.Child("requestbody"),
		maxBodySize: conf.GetReloadableInt64Var(3*1024*1024, 1, "Pipeline.maxBodySizeBytes"),
	}
}

func (s *RequestBodyStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	org := c.OrgParams()
	if org == nil {
		return Stop, fmt.Errorf("organization params not set")
	}

	raw, err := s.fetcher.FetchRequestResponse(ctx, org.ID, c.Message.Log.Request.ID)
	if err != nil {
		return Stop, fmt.Errorf("fetching raw bodies for request %s: %w", c.Message.Log.Request.ID, err)
	}
	if err := c.SetRawLog(raw); err != nil {
		return Stop, err
	}

	if c.Message.Meta.OmitRequestLog {
		err := c.SetProcessedRequest(ProcessedBody{Body: omittedBody})
		return Continue, err
	}

	body := truncateBody(raw.RequestBody, s.maxBodySize.Load())
	parsed, err := s.processor.ParseRequest(ctx, ParseInput{
		Body:          body,
		Provider:      c.Message.Log.Request.Provider,
		Path:          c.Message.Log.Request.Path,
		IsStream:      c.Message.Log.Request.IsStream,
		ModelOverride: c.Message.Meta.ModelOverride,
	})
	if err != nil {
		return Stop, fmt.Errorf("parsing request body for request %s: %w", c.Message.Log.Request.ID, err)
	}
	parsed.Assets = capAssets(parsed.Assets, maxAssetsPerRecord)
	if err := c.SetProcessedRequest(ProcessedBody{
		Body:   parsed.Body,
		Model:  parsed.Model,
		Assets: parsed.Assets,
	}); err != nil {
		return Stop, err
	}
	return Continue, nil
}

// ResponseBodyStage parses the response half and extracts token usage.
type ResponseBodyStage struct {
	processor BodyProcessor
	log       logger.Logger

	maxBodySize *config.Reloadable[int64]
}

func NewResponseBodyStage(processor BodyProcessor, conf *config.Config, log logger.Logger) *ResponseBodyStage {
	return &ResponseBodyStage{
		processor:   processor,
		log:         log.Child("responsebody"),
		maxBodySize: conf.GetReloadableInt64Var(3*1024*1024, 1, "Pipeline.maxBodySizeBytes"),
	}
}

func (s *ResponseBodyStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	raw := c.RawLog()
	if raw == nil {
		return Stop, fmt.Errorf("raw log not set")
	}

	if c.Message.Meta.OmitResponseLog {
		if err := c.SetProcessedResponse(ProcessedBody{Body: omittedBody}); err != nil {
			return Stop, err
		}
		return Continue, c.SetUsage(models.Usage{})
	}

	body := truncateBody(raw.ResponseBody, s.maxBodySize.Load())
	parsed, err := s.processor.ParseResponse(ctx, ParseInput{
		Body:          body,
		Provider:      c.Message.Log.Request.Provider,
		Path:          c.Message.Log.Request.Path,
		IsStream:      c.Message.Log.Request.IsStream,
		ModelOverride: c.Message.Meta.ModelOverride,
	})
	if err != nil {
		return Stop, fmt.Errorf("parsing response body for request %s: %w", c.Message.Log.Request.ID, err)
	}
	parsed.Assets = capAssets(parsed.Assets, maxAssetsPerRecord)
	if err := c.SetProcessedResponse(ProcessedBody{
		Body:   parsed.Body,
		Model:  parsed.Model,
		Assets: parsed.Assets,
	}); err != nil {
		return Stop, err
	}
	return Continue, c.SetUsage(parsed.Usage)
}

// truncateBody replaces an oversized body with a small note that keeps the
// extracted model field so downstream shaping still works.
func truncateBody(body string, maxSize int64) string {
	if int64(len(body)) <= maxSize {
		return body
	}
	out := omittedBody
	out, _ = sjson.Set(out, "siphon_message", "body truncated")
	if model := gjson.Get(body, "model").Str; model != "" {
		out, _ = sjson.Set(out, "model", model)
	}
	return out
}

// capAssets keeps a deterministic subset of at most n assets.
func capAssets(assets map[string]string, n int) map[string]string {
	if len(assets) <= n {
		return assets
	}
	ids := make([]string, 0, len(assets))
	for id := range assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	capped := make(map[string]string, n)
	for _, id := range ids[:n] {
		capped[id] = assets[id]
	}
	return capped
}
