package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/siphonlog/siphon/models"
)

// PromptStage sanitizes a legacy prompt template attached to the request and
// substitutes asset ids for large inline values (typically base64 images)
// before the template reaches the relational store.
type PromptStage struct {
	log            logger.Logger
	maxInlineValue *config.Reloadable[int64]

	mu           sync.Mutex
	promptAssets map[string]map[string]string // request id -> asset id -> source
}

func NewPromptStage(conf *config.Config, log logger.Logger) *PromptStage {
	return &PromptStage{
		log:            log.Child("prompt"),
		maxInlineValue: conf.GetReloadableInt64Var(4*1024, 1, "Pipeline.maxInlinePromptValueBytes"),
		promptAssets:   make(map[string]map[string]string),
	}
}

func (s *PromptStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	template := c.Message.Log.Request.PromptTemplate
	if template == "" {
		return Continue, nil
	}
	org := c.OrgParams()
	if org == nil {
		return Stop, fmt.Errorf("organization params not set")
	}

	sanitized := Sanitize(template)
	substituted, assets := s.substituteLargeValues(sanitized)

	if err := c.SetPromptTemplate(substituted); err != nil {
		return Stop, err
	}
	if len(assets) > 0 {
		// Traversals within a mini-batch run concurrently against one stage.
		s.mu.Lock()
		s.promptAssets[c.Message.Log.Request.ID] = assets
		s.mu.Unlock()
	}
	return Continue, nil
}

// PromptAssets returns assets extracted from a request's template, if any.
func (s *PromptStage) PromptAssets(requestID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptAssets[requestID]
}

// substituteLargeValues walks the template's top-level string fields and
// replaces any value beyond the inline limit with an asset placeholder.
func (s *PromptStage) substituteLargeValues(template string) (string, map[string]string) {
	limit := s.maxInlineValue.Load()
	assets := make(map[string]string)

	parsed := gjson.Parse(template)
	if !parsed.IsObject() {
		return template, nil
	}
	out := template
	parsed.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String && int64(len(value.Str)) > limit {
			assetID := uuid.New().String()
			assets[assetID] = value.Str
			out, _ = sjson.Set(out, key.Str, "<siphon-asset:"+assetID+">")
		}
		return true
	})
	if len(assets) == 0 {
		return template, nil
	}
	return out, assets
}

// PromptRecordFor builds the relational prompt record for a context, or nil
// when the request carries no template.
func PromptRecordFor(c *Context, now time.Time) *models.PromptRecord {
	req := c.Message.Log.Request
	template := req.PromptTemplate
	if t := c.PromptTemplate(); t != nil {
		template = *t
	}
	if template == "" || req.PromptID == "" {
		return nil
	}
	org := c.OrgParams()
	if org == nil {
		return nil
	}
	createdAt := req.RequestCreatedAt.Time()
	if createdAt.IsZero() {
		createdAt = now
	}
	return &models.PromptRecord{
		PromptID:       req.PromptID,
		OrganizationID: org.ID,
		RequestID:      req.ID,
		Template:       template,
		CreatedAt:      createdAt,
	}
}
