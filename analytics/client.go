// Package analytics wraps the ClickHouse store: bulk inserts on the write
// path and the secure multi-tenant query gateway on the ad-hoc read path.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
)

// Credentials opens two connections: the service user for code-controlled
// writes and a separately-privileged gateway user for tenant-authored
// queries. Row-level security policies attach to the gateway user.
type Credentials struct {
	Addr            []string
	Database        string
	Username        string
	Password        string
	GatewayUsername string
	GatewayPassword string
}

type Client struct {
	conn        driver.Conn
	gatewayConn driver.Conn
	log         logger.Logger
}

func New(creds Credentials, log logger.Logger) (*Client, error) {
	conn, err := open(creds.Addr, creds.Database, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}
	gatewayConn, err := open(creds.Addr, creds.Database, creds.GatewayUsername, creds.GatewayPassword)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse gateway connection: %w", err)
	}
	return &Client{
		conn:        conn,
		gatewayConn: gatewayConn,
		log:         log.Child("analytics"),
	}, nil
}

func open(addr []string, database, username, password string) (driver.Conn, error) {
	return clickhouse.Open(&clickhouse.Options{
		Addr: addr,
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 10 * time.Second,
		Settings: clickhouse.Settings{
			// Avoids query processing errors arriving after the response
			// status has already been sent on clustered deployments.
			"wait_end_of_query": 1,
		},
	})
}

// InsertRequestResponseLogs bulk-inserts the wide analytics rows for one
// mini-batch.
func (c *Client) InsertRequestResponseLogs(ctx context.Context, rows []models.RequestResponseRMT) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO request_response_rmt (
			response_id, response_created_at, latency, status,
			completion_tokens, prompt_tokens, prompt_cache_read_tokens,
			prompt_cache_write_tokens, prompt_audio_tokens,
			completion_audio_tokens, model_override, model, provider,
			request_id, request_created_at, user_id, organization_id, cost,
			properties, scores, request_body, response_body,
			cache_reference_id, cache_enabled
		)`)
	if err != nil {
		return fmt.Errorf("preparing analytics batch: %w", err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.ResponseID, r.ResponseCreatedAt, r.LatencyMs, r.Status,
			r.CompletionTokens, r.PromptTokens, r.PromptCacheReadTokens,
			r.PromptCacheWriteTokens, r.PromptAudioTokens,
			r.CompletionAudioTokens, r.ModelOverride, r.Model, r.Provider,
			r.RequestID, r.RequestCreatedAt, r.UserID, r.OrganizationID, r.Cost,
			r.Properties, r.Scores, r.RequestBody, r.ResponseBody,
			r.CacheReferenceID, boolToUInt8(r.CacheEnabled),
		)
		if err != nil {
			return fmt.Errorf("appending analytics row for request %s: %w", r.RequestID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending %d analytics rows: %w", len(rows), err)
	}
	return nil
}

// InsertCacheMetrics bulk-inserts cache-hit aggregates.
func (c *Client) InsertCacheMetrics(ctx context.Context, rows []models.CacheMetricRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO cache_metrics (
			organization_id, date, hour, request_id, model_id, hit_count,
			saved_latency_ms, saved_completion_tokens, saved_prompt_tokens,
			saved_completion_audio_tokens, saved_prompt_audio_tokens,
			saved_prompt_cache_read_tokens, first_hit, last_hit,
			request_body, response_body
		)`)
	if err != nil {
		return fmt.Errorf("preparing cache metrics batch: %w", err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.OrganizationID, r.Date, r.Hour, r.RequestID, r.ModelID,
			r.HitCount, r.SavedLatencyMs, r.SavedCompletionTokens,
			r.SavedPromptTokens, r.SavedCompletionAudioTokens,
			r.SavedPromptAudioTokens, r.SavedPromptCacheReadTokens,
			r.FirstHit, r.LastHit, r.RequestBody, r.ResponseBody,
		)
		if err != nil {
			return fmt.Errorf("appending cache metric for request %s: %w", r.RequestID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending %d cache metric rows: %w", len(rows), err)
	}
	return nil
}

// UpdateScores attaches late-arriving scores to existing analytics rows via
// lightweight mutations, one per update.
func (c *Client) UpdateScores(ctx context.Context, updates []models.ScoreUpdate) error {
	for _, u := range updates {
		if len(u.Scores) == 0 {
			continue
		}
		err := c.conn.Exec(ctx, `
			ALTER TABLE request_response_rmt
			UPDATE scores = mapUpdate(scores, {scores:Map(String, Int64)})
			WHERE request_id = {request_id:String}
			  AND organization_id = {organization_id:String}`,
			clickhouse.Named("scores", toInt64Map(u.Scores)),
			clickhouse.Named("request_id", u.RequestID),
			clickhouse.Named("organization_id", u.OrganizationID),
		)
		if err != nil {
			return fmt.Errorf("updating scores for request %s: %w", u.RequestID, err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	errService := c.conn.Close()
	if err := c.gatewayConn.Close(); err != nil {
		return err
	}
	return errService
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func toInt64Map(m map[string]int) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = int64(v)
	}
	return out
}
