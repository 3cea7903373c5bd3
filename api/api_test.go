package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"

	"github.com/siphonlog/siphon/analytics"
	"github.com/siphonlog/siphon/committer"
	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/pipeline"
)

type stubResolver struct{}

func (stubResolver) ResolveKey(_ context.Context, rawKey string) (models.AuthParams, error) {
	if rawKey != "sk-tenant" {
		return models.AuthParams{}, errors.New("unknown key")
	}
	return models.AuthParams{OrganizationID: "org-1"}, nil
}

func (r stubResolver) ResolveProxyKey(ctx context.Context, rawKey string) (models.AuthParams, error) {
	return r.ResolveKey(ctx, rawKey)
}

func (stubResolver) Org(context.Context, string) (models.OrgParams, error) {
	return models.OrgParams{ID: "org-1", PercentLog: pipeline.MaxPercentLog, HasOnboarded: true}, nil
}

type stubBlobs struct{}

func (stubBlobs) FetchRequestResponse(context.Context, string, string) (pipeline.RawLog, error) {
	return pipeline.RawLog{RequestBody: `{"model":"gpt-4o"}`, ResponseBody: `{"ok":true}`}, nil
}

type stubBodies struct{}

func (stubBodies) ParseRequest(_ context.Context, in pipeline.ParseInput) (pipeline.ParsedBody, error) {
	return pipeline.ParsedBody{Body: in.Body, Model: "gpt-4o"}, nil
}

func (stubBodies) ParseResponse(_ context.Context, in pipeline.ParseInput) (pipeline.ParsedBody, error) {
	return pipeline.ParsedBody{Body: in.Body, Model: "gpt-4o"}, nil
}

type stubRateStore struct{}

func (stubRateStore) InsertRateLimitBatch(context.Context, []models.RateLimitRow) error { return nil }

type zeroCost struct{}

func (zeroCost) Cost(string, string, models.Usage) float64 { return 0 }

type fakeCommitter struct {
	payloads []*models.BatchPayload
	result   committer.Result
}

func (f *fakeCommitter) Commit(_ context.Context, payload *models.BatchPayload) committer.Result {
	f.payloads = append(f.payloads, payload)
	return f.result
}

type fakeGateway struct {
	rows []map[string]any
	err  error

	gotQuery string
	gotOrg   string
}

func (f *fakeGateway) QueryWithContext(_ context.Context, query, organizationID string, _ []any) ([]map[string]any, error) {
	f.gotQuery = query
	f.gotOrg = organizationID
	return f.rows, f.err
}

func testAPI(comm *fakeCommitter, gw *fakeGateway) *API {
	return &API{
		AccessKey: "manual-access-key",
		PipelineDeps: pipeline.Deps{
			Auth:         stubResolver{},
			RateLimits:   stubRateStore{},
			Blobs:        stubBlobs{},
			Bodies:       stubBodies{},
			Cost:         zeroCost{},
			Conf:         config.New(),
			Log:          logger.NOP,
			StatsFactory: stats.NOP,
		},
		Committer: comm,
		Gateway:   gw,
		Auth:      stubResolver{},
		Logger:    logger.NOP,
		Stats:     stats.NOP,
	}
}

const logBody = `{
	"authorization": "Bearer sk-tenant",
	"log": {
		"request": {"id": "req-1", "provider": "OPENAI", "requestCreatedAt": "2025-03-01T10:00:00Z"},
		"response": {"id": "resp-1", "status": 200, "responseCreatedAt": "2025-03-01T10:00:01Z"}
	}
}`

func TestLogEndpointCommitsRecord(t *testing.T) {
	comm := &fakeCommitter{}
	srv := httptest.NewServer(testAPI(comm, &fakeGateway{}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/log", strings.NewReader(logBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer manual-access-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, comm.payloads, 1)
	require.Equal(t, 1, comm.payloads[0].Size())
}

func TestLogEndpointRejectsBadAccessKey(t *testing.T) {
	comm := &fakeCommitter{}
	srv := httptest.NewServer(testAPI(comm, &fakeGateway{}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/log", strings.NewReader(logBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, comm.payloads)
}

func TestLogEndpointRequiresRequestID(t *testing.T) {
	srv := httptest.NewServer(testAPI(&fakeCommitter{}, &fakeGateway{}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/log", strings.NewReader(`{"log":{"request":{},"response":{}}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer manual-access-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogEndpointReportsCommitFailure(t *testing.T) {
	comm := &fakeCommitter{result: committer.Result{PG: errors.New("pg down")}}
	srv := httptest.NewServer(testAPI(comm, &fakeGateway{}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/log", strings.NewReader(logBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer manual-access-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestQueryEndpointRunsUnderTenant(t *testing.T) {
	gw := &fakeGateway{rows: []map[string]any{{"n": int64(3)}}}
	srv := httptest.NewServer(testAPI(&fakeCommitter{}, gw).Handler())
	defer srv.Close()

	body := `{"query": "SELECT count() AS n FROM request_response_rmt"}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/query", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-tenant")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "org-1", gw.gotOrg)
	require.Equal(t, "SELECT count() AS n FROM request_response_rmt", gw.gotQuery)

	var out queryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Rows, 1)
}

func TestQueryEndpointRejectsUnknownKey(t *testing.T) {
	srv := httptest.NewServer(testAPI(&fakeCommitter{}, &fakeGateway{}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/query", strings.NewReader(`{"query":"SELECT 1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-unknown")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueryEndpointMapsRejectionTo400(t *testing.T) {
	gw := &fakeGateway{err: &analytics.RejectionError{Reason: "ddl"}}
	srv := httptest.NewServer(testAPI(&fakeCommitter{}, gw).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/query", strings.NewReader(`{"query":"DROP TABLE request"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-tenant")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryEndpointMapsExecutionErrorTo500(t *testing.T) {
	gw := &fakeGateway{err: errors.New("connection refused")}
	srv := httptest.NewServer(testAPI(&fakeCommitter{}, gw).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/query", strings.NewReader(`{"query":"SELECT 1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-tenant")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
