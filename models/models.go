package models

// Message is one logged LLM call as it travels on the transport. The
// producing edge service serializes it, the consumer deserializes it exactly
// once; after mapping it is never mutated. Downstream stages only mutate the
// pipeline context that wraps it.
type Message struct {
	Authorization string     `json:"authorization"`
	Meta          LogMeta    `json:"siphonMeta"`
	Log           RequestLog `json:"log"`
}

// LogMeta carries per-record feature toggles set by the producing edge.
type LogMeta struct {
	ModelOverride   string `json:"modelOverride,omitempty"`
	OmitRequestLog  bool   `json:"omitRequestLog"`
	OmitResponseLog bool   `json:"omitResponseLog"`
	WebhookEnabled  bool   `json:"webhookEnabled"`
	PosthogAPIKey   string `json:"posthogApiKey,omitempty"`
	PosthogHost     string `json:"posthogHost,omitempty"`
	LytixKey        string `json:"lytixKey,omitempty"`
	LytixHost       string `json:"lytixHost,omitempty"`
}

// RequestLog pairs the immutable request/response sub-records.
type RequestLog struct {
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

type Request struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"userId"`
	PromptID           string            `json:"promptId,omitempty"`
	PromptVersion      string            `json:"promptVersion,omitempty"`
	PromptTemplate     string            `json:"promptTemplate,omitempty"`
	PromptInputs       map[string]string `json:"promptInputs,omitempty"`
	Properties         map[string]string `json:"properties"`
	TargetURL          string            `json:"targetUrl"`
	Provider           string            `json:"provider"`
	BodySize           int64             `json:"bodySize"`
	Path               string            `json:"path"`
	CountryCode        string            `json:"countryCode,omitempty"`
	CacheReferenceID   string            `json:"cacheReferenceId,omitempty"`
	CacheEnabled       bool              `json:"cacheEnabled"`
	RequestCreatedAt   FlexTime          `json:"requestCreatedAt"`
	IsStream           bool              `json:"isStream"`
	ExperimentColumnID string            `json:"experimentColumnId,omitempty"`
	ExperimentRowIndex string            `json:"experimentRowIndex,omitempty"`
}

type Response struct {
	ID                 string   `json:"id"`
	Status             int      `json:"status"`
	BodySize           int64    `json:"bodySize"`
	TimeToFirstTokenMs *int64   `json:"timeToFirstToken,omitempty"`
	DelayMs            int64    `json:"delayMs"`
	ResponseCreatedAt  FlexTime `json:"responseCreatedAt"`
	CachedLatencyMs    *int64   `json:"cachedLatency,omitempty"`
}

// CacheHit reports whether this record was served from cache rather than the
// upstream provider.
func (m *Message) CacheHit() bool {
	return m.Log.Request.CacheReferenceID != "" &&
		m.Log.Request.CacheReferenceID != DefaultUUID
}

// DefaultUUID is the zero cache reference: a record carrying it was not a
// cache hit.
const DefaultUUID = "00000000-0000-0000-0000-000000000000"

// AuthParams is the result of resolving a raw credential.
type AuthParams struct {
	OrganizationID string
	UserID         string
	KeyID          string
}

// OrgParams is the organization row the record belongs to.
type OrgParams struct {
	ID           string
	Tier         string
	PercentLog   int
	HasOnboarded bool
}

// Usage is token and cost accounting extracted from a parsed body. Cost is
// nil when the provider did not supply one and it must be computed.
type Usage struct {
	PromptTokens           *int64
	CompletionTokens       *int64
	PromptCacheReadTokens  *int64
	PromptCacheWriteTokens *int64
	PromptAudioTokens      *int64
	CompletionAudioTokens  *int64
	Cost                   *float64
}

// Latency in milliseconds between request and response creation.
func (l RequestLog) Latency() int64 {
	return l.Response.ResponseCreatedAt.Time().Sub(l.Request.RequestCreatedAt.Time()).Milliseconds()
}
