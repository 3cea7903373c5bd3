package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
)

// CostCalculator computes cost in USD from token counts. Cost-table lookups
// are an external collaborator.
type CostCalculator interface {
	Cost(model, provider string, usage models.Usage) float64
}

// LoggingStage is the terminal stage: it maps a fully processed Context into
// the three sink-specific row shapes and appends them to the shared
// BatchPayload. It never writes to a sink itself; the committer does that
// once per mini-batch.
type LoggingStage struct {
	payload *models.BatchPayload
	cost    CostCalculator
	prompts *PromptStage
	now     func() time.Time
	log     logger.Logger
}

func NewLoggingStage(payload *models.BatchPayload, cost CostCalculator, prompts *PromptStage, log logger.Logger) *LoggingStage {
	return &LoggingStage{
		payload: payload,
		cost:    cost,
		prompts: prompts,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.Child("logging"),
	}
}

func (s *LoggingStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	org := c.OrgParams()
	if org == nil {
		return Stop, fmt.Errorf("organization params not set")
	}
	procReq, procResp := c.ProcessedRequest(), c.ProcessedResponse()
	if procReq == nil || procResp == nil {
		return Stop, fmt.Errorf("processed bodies not set")
	}
	usage := c.Usage()
	if usage == nil {
		usage = &models.Usage{}
	}

	req := c.Message.Log.Request
	resp := c.Message.Log.Response
	now := s.now()
	requestCreatedAt := req.RequestCreatedAt.Time()
	if requestCreatedAt.IsZero() {
		requestCreatedAt = now
	}
	responseCreatedAt := resp.ResponseCreatedAt.Time()
	if responseCreatedAt.IsZero() {
		responseCreatedAt = now
	}

	model := Sanitize(c.Model())
	requestBody := Sanitize(procReq.Body)
	responseBody := Sanitize(procResp.Body)

	cost := s.recordCost(model, req.Provider, *usage)

	requestRow := models.RequestRow{
		ID:             req.ID,
		OrganizationID: org.ID,
		UserID:         Sanitize(req.UserID),
		Provider:       Sanitize(req.Provider),
		Model:          model,
		Path:           Sanitize(req.Path),
		TargetURL:      Sanitize(req.TargetURL),
		CountryCode:    req.CountryCode,
		Properties:     sanitizeMap(req.Properties),
		PromptID:       req.PromptID,
		PromptVersion:  req.PromptVersion,
		Body:           requestBody,
		CreatedAt:      requestCreatedAt,
	}
	responseRow := models.ResponseRow{
		ID:                 resp.ID,
		RequestID:          req.ID,
		Status:             resp.Status,
		Model:              model,
		Body:               responseBody,
		DelayMs:            resp.DelayMs,
		TimeToFirstTokenMs: resp.TimeToFirstTokenMs,
		CompletionTokens:   usage.CompletionTokens,
		PromptTokens:       usage.PromptTokens,
		CreatedAt:          responseCreatedAt,
	}

	rmt := models.RequestResponseRMT{
		ResponseID:             resp.ID,
		ResponseCreatedAt:      responseCreatedAt,
		LatencyMs:              responseCreatedAt.Sub(requestCreatedAt).Milliseconds(),
		Status:                 resp.Status,
		CompletionTokens:       usage.CompletionTokens,
		PromptTokens:           usage.PromptTokens,
		PromptCacheReadTokens:  usage.PromptCacheReadTokens,
		PromptCacheWriteTokens: usage.PromptCacheWriteTokens,
		PromptAudioTokens:      usage.PromptAudioTokens,
		CompletionAudioTokens:  usage.CompletionAudioTokens,
		ModelOverride:          c.Message.Meta.ModelOverride,
		Model:                  model,
		Provider:               Sanitize(req.Provider),
		RequestID:              req.ID,
		RequestCreatedAt:       requestCreatedAt,
		UserID:                 Sanitize(req.UserID),
		OrganizationID:         org.ID,
		Cost:                   cost,
		Properties:             sanitizeMap(req.Properties),
		Scores:                 map[string]int{},
		RequestBody:            requestBody,
		ResponseBody:           responseBody,
		CacheReferenceID:       cacheReferenceOrDefault(req.CacheReferenceID),
		CacheEnabled:           req.CacheEnabled,
	}

	if c.Message.CacheHit() {
		// Cache hits zero token/cost fields in the analytics row; the hit
		// itself is recorded in the cache-metric aggregate.
		zero := int64(0)
		rmt.CompletionTokens = &zero
		rmt.PromptTokens = &zero
		rmt.PromptCacheReadTokens = &zero
		rmt.PromptCacheWriteTokens = &zero
		rmt.PromptAudioTokens = &zero
		rmt.CompletionAudioTokens = &zero
		rmt.Cost = 0
		s.payload.AddCacheMetric(s.cacheMetricRow(c, model, *usage, requestBody, responseBody, responseCreatedAt))
	}

	assets := mergeAssets(procReq.Assets, procResp.Assets, s.prompts.PromptAssets(req.ID))
	assetRows := make([]models.AssetRow, 0, len(assets))
	for id := range assets {
		assetRows = append(assetRows, models.AssetRow{
			ID:             id,
			RequestID:      req.ID,
			OrganizationID: org.ID,
			CreatedAt:      now,
		})
	}

	blob := models.BlobRecord{
		OrganizationID: org.ID,
		RequestID:      req.ID,
		RequestBody:    requestBody,
		ResponseBody:   responseBody,
		Assets:         assets,
		Tier:           org.Tier,
	}

	s.payload.AddRecord(requestRow, responseRow, rmt, blob)
	if len(assetRows) > 0 {
		s.payload.AddAssets(assetRows)
	}
	if rec := PromptRecordFor(c, now); rec != nil {
		s.payload.AddPrompt(*rec)
	}
	if req.PromptVersion != "" && len(req.PromptInputs) > 0 {
		s.payload.AddPromptInput(models.PromptInputRow{
			PromptVersionID: req.PromptVersion,
			RequestID:       req.ID,
			Inputs:          sanitizeMap(req.PromptInputs),
			CreatedAt:       requestCreatedAt,
		})
	}
	if req.ExperimentColumnID != "" {
		s.payload.AddExperimentCellValue(models.ExperimentCellValue{
			ColumnID: req.ExperimentColumnID,
			RowIndex: req.ExperimentRowIndex,
			Value:    req.ID,
		})
	}
	if !org.HasOnboarded {
		s.payload.MarkOrgIntegrated(org.ID)
	}
	return Continue, nil
}

// recordCost uses the provider-supplied cost when present and computes one
// otherwise, clamping pathological negative costs to zero.
func (s *LoggingStage) recordCost(model, provider string, usage models.Usage) float64 {
	var cost float64
	if usage.Cost != nil {
		cost = *usage.Cost
	} else {
		cost = s.cost.Cost(model, provider, usage)
	}
	if cost < 0 {
		return 0
	}
	return cost
}

func (s *LoggingStage) cacheMetricRow(c *Context, model string, usage models.Usage, requestBody, responseBody string, at time.Time) models.CacheMetricRow {
	org := c.OrgParams()
	resp := c.Message.Log.Response
	savedLatency := int64(0)
	if resp.CachedLatencyMs != nil {
		savedLatency = *resp.CachedLatencyMs
	}
	return models.CacheMetricRow{
		OrganizationID:             org.ID,
		Date:                       at.Format("2006-01-02"),
		Hour:                       at.Hour(),
		RequestID:                  c.Message.Log.Request.CacheReferenceID,
		ModelID:                    model,
		HitCount:                   1,
		SavedLatencyMs:             savedLatency,
		SavedCompletionTokens:      derefInt64(usage.CompletionTokens),
		SavedPromptTokens:          derefInt64(usage.PromptTokens),
		SavedCompletionAudioTokens: derefInt64(usage.CompletionAudioTokens),
		SavedPromptAudioTokens:     derefInt64(usage.PromptAudioTokens),
		SavedPromptCacheReadTokens: derefInt64(usage.PromptCacheReadTokens),
		FirstHit:                   at,
		LastHit:                    at,
		RequestBody:                requestBody,
		ResponseBody:               responseBody,
	}
}

func cacheReferenceOrDefault(id string) string {
	if id == "" {
		return models.DefaultUUID
	}
	return id
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func sanitizeMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[Sanitize(k)] = Sanitize(v)
	}
	return out
}

func mergeAssets(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for id, src := range m {
			out[id] = src
		}
	}
	return out
}
