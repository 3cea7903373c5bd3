// Package api exposes the HTTP ingress: a synchronous single-record logging
// fallback for edges that cannot reach the queue, and the tenant-facing
// analytical query endpoint backed by the secure gateway.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/siphonlog/siphon/analytics"
	"github.com/siphonlog/siphon/committer"
	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Committer commits one accumulated payload; per-sink errors are reported in
// the result.
type Committer interface {
	Commit(ctx context.Context, payload *models.BatchPayload) committer.Result
}

// QueryGateway executes a validated tenant-authored query.
type QueryGateway interface {
	QueryWithContext(ctx context.Context, query, organizationID string, params []any) ([]map[string]any, error)
}

type API struct {
	// AccessKey authenticates the manual /v1/log fallback. Records arriving
	// here skip the queue entirely.
	AccessKey string

	PipelineDeps pipeline.Deps
	Committer    Committer
	Gateway      QueryGateway
	Auth         pipeline.AuthResolver
	Logger       logger.Logger
	Stats        stats.Stats
}

// Handler returns the http handler for the ingress API.
//
// Implemented routes:
// - POST /v1/log
// - POST /v1/query
// - GET  /health
func (a *API) Handler() http.Handler {
	srvMux := chi.NewRouter()
	srvMux.Post("/v1/log", a.logHandler)
	srvMux.Post("/v1/query", a.queryHandler)
	srvMux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return srvMux
}

// logHandler ingests one record synchronously: a fresh single-record
// pipeline plus an immediate commit. The queue path is always preferred;
// this exists for edges that cannot produce to it.
func (a *API) logHandler(w http.ResponseWriter, r *http.Request) {
	a.Logger.LogRequest(r)
	defer func() { _ = r.Body.Close() }()

	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		a.Logger.Errorf("parsing log body: %v", err)
		http.Error(w, "can't unmarshal body", http.StatusBadRequest)
		return
	}
	if msg.Log.Request.ID == "" {
		http.Error(w, "log.request.id is required", http.StatusBadRequest)
		return
	}

	payload := models.NewBatchPayload()
	p := pipeline.NewLogPipeline(a.PipelineDeps, payload)
	if err := p.ProcessRecord(r.Context(), msg); err != nil {
		a.Logger.Errorf("processing manual record %s: %v", msg.Log.Request.ID, err)
		http.Error(w, "can't process record", http.StatusInternalServerError)
		return
	}
	if err := p.FlushRateLimits(r.Context()); err != nil {
		a.Logger.Errorf("flushing rate limits for manual record %s: %v", msg.Log.Request.ID, err)
	}

	res := a.Committer.Commit(r.Context(), payload)
	if res.HasError() {
		http.Error(w, "can't commit record", http.StatusInternalServerError)
		return
	}
	p.FlushSideEffects(r.Context())

	a.Stats.NewTaggedStat("manual_records_logged", stats.CountType, stats.Tags{
		"provider": msg.Log.Request.Provider,
	}).Increment()
	w.WriteHeader(http.StatusOK)
}

type queryRequest struct {
	Query  string `json:"query"`
	Params []any  `json:"params,omitempty"`
}

type queryResponse struct {
	Rows []map[string]any `json:"rows"`
}

// queryHandler resolves the bearer credential to an organization and runs
// the query through the secure gateway under that tenant's context.
func (a *API) queryHandler(w http.ResponseWriter, r *http.Request) {
	a.Logger.LogRequest(r)
	defer func() { _ = r.Body.Close() }()

	rawKey := bearerToken(r)
	if rawKey == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	authParams, err := a.Auth.ResolveKey(r.Context(), rawKey)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "can't unmarshal body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	rows, err := a.Gateway.QueryWithContext(r.Context(), req.Query, authParams.OrganizationID, req.Params)
	if err != nil {
		var rejection *analytics.RejectionError
		if errors.As(err, &rejection) {
			a.Stats.NewTaggedStat("gateway_rejections", stats.CountType, stats.Tags{
				"reason": rejection.Reason,
			}).Increment()
			http.Error(w, rejection.Error(), http.StatusBadRequest)
			return
		}
		a.Logger.Errorf("gateway query for organization %s: %v", authParams.OrganizationID, err)
		http.Error(w, "query execution failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(queryResponse{Rows: rows}); err != nil {
		a.Logger.Errorf("encoding query response: %v", err)
	}
}

func (a *API) authorized(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" || a.AccessKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.AccessKey)) == 1
}

func bearerToken(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}
