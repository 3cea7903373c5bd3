package pipeline

import (
	"bytes"
	"context"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResultsHandler is implemented by stages that buffer per-mini-batch output
// and flush it once after all traversals complete.
type ResultsHandler interface {
	Name() string
	HandleResults(ctx context.Context) error
}

// Webhook is one registered endpoint for an organization.
type Webhook struct {
	ID          string
	Destination string
}

// WebhookStore resolves the webhooks registered for an organization.
type WebhookStore interface {
	WebhooksFor(ctx context.Context, orgID string) ([]Webhook, error)
}

type webhookEvent struct {
	OrganizationID string            `json:"organizationId"`
	RequestID      string            `json:"requestId"`
	Model          string            `json:"model"`
	Status         int               `json:"status"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// WebhookStage is a side-channel stage: it buffers events for records whose
// meta enables webhooks and dispatches them after the mini-batch. It is
// best-effort and never fails or stops the primary chain.
type WebhookStage struct {
	store  WebhookStore
	client *retryablehttp.Client
	log    logger.Logger

	mu     sync.Mutex
	events []webhookEvent
}

func NewWebhookStage(store WebhookStore, log logger.Logger) *WebhookStage {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &WebhookStage{
		store:  store,
		client: client,
		log:    log.Child("webhook"),
	}
}

func (s *WebhookStage) Name() string { return "WebhookStage" }

func (s *WebhookStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	if !c.Message.Meta.WebhookEnabled {
		return Continue, nil
	}
	org := c.OrgParams()
	if org == nil {
		return Continue, nil
	}
	s.mu.Lock()
	s.events = append(s.events, webhookEvent{
		OrganizationID: org.ID,
		RequestID:      c.Message.Log.Request.ID,
		Model:          c.Model(),
		Status:         c.Message.Log.Response.Status,
		Properties:     c.Message.Log.Request.Properties,
	})
	s.mu.Unlock()
	return Continue, nil
}

func (s *WebhookStage) HandleResults(ctx context.Context) error {
	s.mu.Lock()
	events := s.events
	s.events = nil
	s.mu.Unlock()

	for _, ev := range events {
		hooks, err := s.store.WebhooksFor(ctx, ev.OrganizationID)
		if err != nil {
			s.log.Warnf("resolving webhooks for org %s: %v", ev.OrganizationID, err)
			continue
		}
		body, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		for _, hook := range hooks {
			req, err := retryablehttp.NewRequestWithContext(ctx, "POST", hook.Destination, bytes.NewReader(body))
			if err != nil {
				s.log.Warnf("building webhook request %s: %v", hook.ID, err)
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := s.client.Do(req)
			if err != nil {
				s.log.Warnf("dispatching webhook %s for request %s: %v", hook.ID, ev.RequestID, err)
				continue
			}
			_ = resp.Body.Close()
		}
	}
	return nil
}

// UsageMeter is the billing collaborator that receives aggregated token
// usage per organization.
type UsageMeter interface {
	RecordUsage(ctx context.Context, orgID string, promptTokens, completionTokens int64) error
}

// UsageMeterStage buffers per-organization token totals and reports them
// once per mini-batch. Best-effort; cache hits are not metered.
type UsageMeterStage struct {
	meter UsageMeter
	log   logger.Logger

	mu     sync.Mutex
	counts map[string]*models.Usage
}

func NewUsageMeterStage(meter UsageMeter, log logger.Logger) *UsageMeterStage {
	return &UsageMeterStage{
		meter:  meter,
		log:    log.Child("usagemeter"),
		counts: make(map[string]*models.Usage),
	}
}

func (s *UsageMeterStage) Name() string { return "UsageMeterStage" }

func (s *UsageMeterStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	org := c.OrgParams()
	usage := c.Usage()
	if org == nil || usage == nil || c.Message.CacheHit() {
		return Continue, nil
	}
	s.mu.Lock()
	agg, ok := s.counts[org.ID]
	if !ok {
		agg = &models.Usage{}
		s.counts[org.ID] = agg
	}
	agg.PromptTokens = addInt64(agg.PromptTokens, usage.PromptTokens)
	agg.CompletionTokens = addInt64(agg.CompletionTokens, usage.CompletionTokens)
	s.mu.Unlock()
	return Continue, nil
}

func (s *UsageMeterStage) HandleResults(ctx context.Context) error {
	s.mu.Lock()
	counts := s.counts
	s.counts = make(map[string]*models.Usage)
	s.mu.Unlock()

	for orgID, usage := range counts {
		err := s.meter.RecordUsage(ctx, orgID, derefInt64(usage.PromptTokens), derefInt64(usage.CompletionTokens))
		if err != nil {
			s.log.Warnf("recording usage for org %s: %v", orgID, err)
		}
	}
	return nil
}

func addInt64(acc, v *int64) *int64 {
	if v == nil {
		return acc
	}
	sum := derefInt64(acc) + *v
	return &sum
}
