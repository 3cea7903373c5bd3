package models

import (
	"sync"
	"time"
)

// RequestRow is the relational shape of one logged request.
type RequestRow struct {
	ID             string
	OrganizationID string
	UserID         string
	Provider       string
	Model          string
	Path           string
	TargetURL      string
	CountryCode    string
	Properties     map[string]string
	PromptID       string
	PromptVersion  string
	Body           string
	CreatedAt      time.Time
}

// ResponseRow is the relational shape of one logged response.
type ResponseRow struct {
	ID                 string
	RequestID          string
	Status             int
	Model              string
	Body               string
	DelayMs            int64
	TimeToFirstTokenMs *int64
	CompletionTokens   *int64
	PromptTokens       *int64
	CreatedAt          time.Time
}

// AssetRow references one extracted asset; unique on (ID, RequestID).
type AssetRow struct {
	ID             string
	RequestID      string
	OrganizationID string
	CreatedAt      time.Time
}

// PromptRecord is a legacy prompt template attached to a request. Prompt
// versioning observes a happens-before relationship, so the committer
// processes these sequentially in CreatedAt order.
type PromptRecord struct {
	PromptID       string
	OrganizationID string
	RequestID      string
	Template       string
	CreatedAt      time.Time
}

// PromptInputRow is one set of template inputs keyed by a prompt version.
type PromptInputRow struct {
	PromptVersionID string
	RequestID       string
	Inputs          map[string]string
	CreatedAt       time.Time
}

// ExperimentCellValue records a request filling one experiment cell.
type ExperimentCellValue struct {
	ColumnID string
	RowIndex string
	Value    string
}

// RequestResponseRMT is the wide analytics row, one per request, keyed by
// RequestID with OrganizationID as the tenant partition key.
type RequestResponseRMT struct {
	ResponseID             string
	ResponseCreatedAt      time.Time
	LatencyMs              int64
	Status                 int
	CompletionTokens       *int64
	PromptTokens           *int64
	PromptCacheReadTokens  *int64
	PromptCacheWriteTokens *int64
	PromptAudioTokens      *int64
	CompletionAudioTokens  *int64
	ModelOverride          string
	Model                  string
	Provider               string
	RequestID              string
	RequestCreatedAt       time.Time
	UserID                 string
	OrganizationID         string
	Cost                   float64
	Properties             map[string]string
	Scores                 map[string]int
	RequestBody            string
	ResponseBody           string
	CacheReferenceID       string
	CacheEnabled           bool
}

// CacheMetricRow aggregates cache hits by (organization, date, hour, request).
type CacheMetricRow struct {
	OrganizationID             string
	Date                       string
	Hour                       int
	RequestID                  string
	ModelID                    string
	HitCount                   int64
	SavedLatencyMs             int64
	SavedCompletionTokens      int64
	SavedPromptTokens          int64
	SavedCompletionAudioTokens int64
	SavedPromptAudioTokens     int64
	SavedPromptCacheReadTokens int64
	FirstHit                   time.Time
	LastHit                    time.Time
	RequestBody                string
	ResponseBody               string
}

// BlobRecord is the object-storage shape of one record: the request and
// response bodies stored as a single document plus any extracted assets.
type BlobRecord struct {
	OrganizationID string
	RequestID      string
	RequestBody    string
	ResponseBody   string
	// Assets maps asset id to its source: an http(s) URL to download from or
	// an inline base64 data URI.
	Assets map[string]string
	Tier   string
}

// RateLimitRow is the audit record of one sampled-out request.
type RateLimitRow struct {
	OrganizationID string
	RequestID      string
	CreatedAt      time.Time
}

// ScoreUpdate attaches scores to an already-logged request.
type ScoreUpdate struct {
	OrganizationID string
	RequestID      string
	Scores         map[string]int
	CreatedAt      time.Time
}

// BatchPayload accumulates sink-ready rows for one mini-batch. Chain
// traversals run concurrently within a mini-batch, so appends are
// mutex-guarded. Created empty per mini-batch, consumed exactly once by the
// committer, then discarded.
type BatchPayload struct {
	mu sync.Mutex

	Requests             []RequestRow
	Responses            []ResponseRow
	Assets               []AssetRow
	Prompts              []PromptRecord
	PromptInputs         []PromptInputRow
	ExperimentCellValues []ExperimentCellValue
	NewlyIntegratedOrgs  map[string]struct{}
	AnalyticsRows        []RequestResponseRMT
	CacheMetrics         []CacheMetricRow
	BlobRecords          []BlobRecord
}

func NewBatchPayload() *BatchPayload {
	return &BatchPayload{NewlyIntegratedOrgs: make(map[string]struct{})}
}

// AddRecord appends all sink rows produced for one record in one critical
// section so a payload never holds a request without its response.
func (p *BatchPayload) AddRecord(req RequestRow, resp ResponseRow, rmt RequestResponseRMT, blob BlobRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	p.Responses = append(p.Responses, resp)
	p.AnalyticsRows = append(p.AnalyticsRows, rmt)
	p.BlobRecords = append(p.BlobRecords, blob)
}

func (p *BatchPayload) AddAssets(assets []AssetRow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Assets = append(p.Assets, assets...)
}

func (p *BatchPayload) AddPrompt(rec PromptRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Prompts = append(p.Prompts, rec)
}

func (p *BatchPayload) AddPromptInput(row PromptInputRow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PromptInputs = append(p.PromptInputs, row)
}

func (p *BatchPayload) AddExperimentCellValue(v ExperimentCellValue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExperimentCellValues = append(p.ExperimentCellValues, v)
}

func (p *BatchPayload) MarkOrgIntegrated(orgID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewlyIntegratedOrgs[orgID] = struct{}{}
}

func (p *BatchPayload) AddCacheMetric(row CacheMetricRow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CacheMetrics = append(p.CacheMetrics, row)
}

// Size is the number of primary records accumulated.
func (p *BatchPayload) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
