// Package logstore commits the relational rows of a mini-batch to Postgres
// in a single transaction, with idempotent guards so redelivered payloads do
// not produce duplicate logical rows.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/siphonlog/siphon/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type LogStore struct {
	db           *sql.DB
	log          logger.Logger
	statsFactory stats.Stats
}

func New(db *sql.DB, log logger.Logger, statsFactory stats.Stats) *LogStore {
	return &LogStore{
		db:           db,
		log:          log.Child("logstore"),
		statsFactory: statsFactory,
	}
}

// InsertLogBatch writes one mini-batch's relational rows in one transaction:
// organization-integration marking, request/response upserts, asset inserts,
// prompt version processing, prompt inputs and experiment cell values.
func (s *LogStore) InsertLogBatch(ctx context.Context, payload *models.BatchPayload) error {
	start := time.Now()
	defer func() {
		s.statsFactory.NewTaggedStat("logstore_insert_batch_duration", stats.TimerType, nil).Since(start)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.markOrgsIntegrated(ctx, tx, payload.NewlyIntegratedOrgs); err != nil {
		return err
	}
	if err := s.insertRequests(ctx, tx, payload.Requests); err != nil {
		return err
	}
	if err := s.insertResponses(ctx, tx, payload.Responses); err != nil {
		return err
	}
	if err := s.insertAssets(ctx, tx, payload.Assets); err != nil {
		return err
	}
	if err := s.processPrompts(ctx, tx, payload.Prompts); err != nil {
		return err
	}
	if err := s.insertPromptInputs(ctx, tx, payload.PromptInputs); err != nil {
		return err
	}
	if err := s.upsertExperimentCellValues(ctx, tx, payload.ExperimentCellValues); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// markOrgsIntegrated flips has_integrated for organizations seen for the
// first time. The WHERE guard makes redelivery a no-op.
func (s *LogStore) markOrgsIntegrated(ctx context.Context, tx *sql.Tx, orgs map[string]struct{}) error {
	if len(orgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orgs))
	for id := range orgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	_, err := tx.ExecContext(ctx, `
		UPDATE organization
		SET has_integrated = true
		WHERE id = ANY($1)
		  AND has_integrated = false`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("marking organizations integrated: %w", err)
	}
	return nil
}

func (s *LogStore) insertRequests(ctx context.Context, tx *sql.Tx, rows []models.RequestRow) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	orgIDs := make([]string, len(rows))
	userIDs := make([]string, len(rows))
	providers := make([]string, len(rows))
	modelNames := make([]string, len(rows))
	paths := make([]string, len(rows))
	targetURLs := make([]string, len(rows))
	countryCodes := make([]string, len(rows))
	properties := make([]string, len(rows))
	promptIDs := make([]string, len(rows))
	promptVersions := make([]string, len(rows))
	bodies := make([]string, len(rows))
	createdAts := make([]time.Time, len(rows))
	for i, r := range rows {
		props, err := json.Marshal(r.Properties)
		if err != nil {
			return fmt.Errorf("encoding properties for request %s: %w", r.ID, err)
		}
		ids[i] = r.ID
		orgIDs[i] = r.OrganizationID
		userIDs[i] = r.UserID
		providers[i] = r.Provider
		modelNames[i] = r.Model
		paths[i] = r.Path
		targetURLs[i] = r.TargetURL
		countryCodes[i] = r.CountryCode
		properties[i] = string(props)
		promptIDs[i] = r.PromptID
		promptVersions[i] = r.PromptVersion
		bodies[i] = r.Body
		createdAts[i] = r.CreatedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request (
			id, organization_id, user_id, provider, model, path, target_url,
			country_code, properties, prompt_id, prompt_version, body, created_at
		)
		SELECT * FROM unnest(
			$1::uuid[], $2::uuid[], $3::text[], $4::text[], $5::text[],
			$6::text[], $7::text[], $8::text[], $9::jsonb[], $10::text[],
			$11::text[], $12::jsonb[], $13::timestamptz[]
		)
		ON CONFLICT (id) DO UPDATE SET
			model = EXCLUDED.model,
			properties = EXCLUDED.properties
		WHERE request.organization_id = EXCLUDED.organization_id`,
		pq.Array(ids), pq.Array(orgIDs), pq.Array(userIDs), pq.Array(providers),
		pq.Array(modelNames), pq.Array(paths), pq.Array(targetURLs),
		pq.Array(countryCodes), pq.Array(properties), pq.Array(promptIDs),
		pq.Array(promptVersions), pq.Array(bodies), pq.Array(createdAts),
	)
	if err != nil {
		return fmt.Errorf("inserting %d requests: %w", len(rows), err)
	}
	return nil
}

func (s *LogStore) insertResponses(ctx context.Context, tx *sql.Tx, rows []models.ResponseRow) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	requestIDs := make([]string, len(rows))
	statuses := make([]int64, len(rows))
	modelNames := make([]string, len(rows))
	bodies := make([]string, len(rows))
	delays := make([]int64, len(rows))
	ttfts := make([]sql.NullInt64, len(rows))
	completionTokens := make([]sql.NullInt64, len(rows))
	promptTokens := make([]sql.NullInt64, len(rows))
	createdAts := make([]time.Time, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		requestIDs[i] = r.RequestID
		statuses[i] = int64(r.Status)
		modelNames[i] = r.Model
		bodies[i] = r.Body
		delays[i] = r.DelayMs
		ttfts[i] = nullInt64(r.TimeToFirstTokenMs)
		completionTokens[i] = nullInt64(r.CompletionTokens)
		promptTokens[i] = nullInt64(r.PromptTokens)
		createdAts[i] = r.CreatedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO response (
			id, request, status, model, body, delay_ms, time_to_first_token,
			completion_tokens, prompt_tokens, created_at
		)
		SELECT * FROM unnest(
			$1::uuid[], $2::uuid[], $3::bigint[], $4::text[], $5::jsonb[],
			$6::bigint[], $7::bigint[], $8::bigint[], $9::bigint[],
			$10::timestamptz[]
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			body = EXCLUDED.body,
			completion_tokens = EXCLUDED.completion_tokens,
			prompt_tokens = EXCLUDED.prompt_tokens`,
		pq.Array(ids), pq.Array(requestIDs), pq.Array(statuses),
		pq.Array(modelNames), pq.Array(bodies), pq.Array(delays),
		pq.Array(ttfts), pq.Array(completionTokens), pq.Array(promptTokens),
		pq.Array(createdAts),
	)
	if err != nil {
		return fmt.Errorf("inserting %d responses: %w", len(rows), err)
	}
	return nil
}

func (s *LogStore) insertAssets(ctx context.Context, tx *sql.Tx, rows []models.AssetRow) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	requestIDs := make([]string, len(rows))
	orgIDs := make([]string, len(rows))
	createdAts := make([]time.Time, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		requestIDs[i] = r.RequestID
		orgIDs[i] = r.OrganizationID
		createdAts[i] = r.CreatedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO asset (id, request_id, organization_id, created_at)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::uuid[], $4::timestamptz[])
		ON CONFLICT (id, request_id) DO NOTHING`,
		pq.Array(ids), pq.Array(requestIDs), pq.Array(orgIDs), pq.Array(createdAts),
	)
	if err != nil {
		return fmt.Errorf("inserting %d assets: %w", len(rows), err)
	}
	return nil
}

// processPrompts handles legacy prompt records strictly sequentially in
// creation-time order: version bump-or-create must observe happens-before.
func (s *LogStore) processPrompts(ctx context.Context, tx *sql.Tx, recs []models.PromptRecord) error {
	if len(recs) == 0 {
		return nil
	}
	sorted := make([]models.PromptRecord, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	for _, rec := range sorted {
		if err := s.bumpOrCreatePromptVersion(ctx, tx, rec); err != nil {
			return fmt.Errorf("processing prompt %s for request %s: %w", rec.PromptID, rec.RequestID, err)
		}
	}
	return nil
}

func (s *LogStore) bumpOrCreatePromptVersion(ctx context.Context, tx *sql.Tx, rec models.PromptRecord) error {
	var promptRowID string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM prompt_v2
		WHERE organization = $1 AND user_defined_id = $2
		FOR UPDATE`,
		rec.OrganizationID, rec.PromptID,
	).Scan(&promptRowID)
	if err == sql.ErrNoRows {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO prompt_v2 (organization, user_defined_id, created_at)
			VALUES ($1, $2, $3)
			RETURNING id`,
			rec.OrganizationID, rec.PromptID, rec.CreatedAt,
		).Scan(&promptRowID); err != nil {
			return fmt.Errorf("creating prompt: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prompts_versions
				(prompt_v2, organization, major_version, minor_version, template, created_at)
			VALUES ($1, $2, 0, 0, $3, $4)`,
			promptRowID, rec.OrganizationID, rec.Template, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("creating initial prompt version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("locating prompt: %w", err)
	}

	var (
		latestMajor   int
		latestVersion string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT major_version, template FROM prompts_versions
		WHERE prompt_v2 = $1
		ORDER BY major_version DESC, minor_version DESC
		LIMIT 1`,
		promptRowID,
	).Scan(&latestMajor, &latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading latest prompt version: %w", err)
	}
	if latestVersion == rec.Template {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO prompts_versions
			(prompt_v2, organization, major_version, minor_version, template, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)`,
		promptRowID, rec.OrganizationID, latestMajor+1, rec.Template, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("bumping prompt version: %w", err)
	}
	return nil
}

// insertPromptInputs bulk-inserts prompt input rows in one statement,
// silently skipping rows whose referenced prompt version does not exist.
// Skips are reported in logs, not fatal.
func (s *LogStore) insertPromptInputs(ctx context.Context, tx *sql.Tx, rows []models.PromptInputRow) error {
	if len(rows) == 0 {
		return nil
	}
	versionIDs := make([]string, len(rows))
	requestIDs := make([]string, len(rows))
	inputs := make([]string, len(rows))
	createdAts := make([]time.Time, len(rows))
	for i, r := range rows {
		encoded, err := json.Marshal(r.Inputs)
		if err != nil {
			return fmt.Errorf("encoding inputs for request %s: %w", r.RequestID, err)
		}
		versionIDs[i] = r.PromptVersionID
		requestIDs[i] = r.RequestID
		inputs[i] = string(encoded)
		createdAts[i] = r.CreatedAt
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO prompts_2025_inputs (prompt_version_id, request_id, inputs, created_at)
		SELECT v.* FROM unnest($1::uuid[], $2::uuid[], $3::jsonb[], $4::timestamptz[])
			AS v(prompt_version_id, request_id, inputs, created_at)
		WHERE EXISTS (
			SELECT 1 FROM prompts_versions pv WHERE pv.id = v.prompt_version_id
		)`,
		pq.Array(versionIDs), pq.Array(requestIDs), pq.Array(inputs), pq.Array(createdAts),
	)
	if err != nil {
		return fmt.Errorf("inserting %d prompt inputs: %w", len(rows), err)
	}
	if inserted, err := res.RowsAffected(); err == nil && int(inserted) < len(rows) {
		s.log.Warnf("skipped %d prompt inputs referencing missing prompt versions", len(rows)-int(inserted))
	}
	return nil
}

func (s *LogStore) upsertExperimentCellValues(ctx context.Context, tx *sql.Tx, values []models.ExperimentCellValue) error {
	for _, v := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experiment_cell (column_id, row_index, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (column_id, row_index) DO UPDATE SET value = EXCLUDED.value`,
			v.ColumnID, v.RowIndex, v.Value,
		)
		if err != nil {
			return fmt.Errorf("upserting experiment cell (%s, %s): %w", v.ColumnID, v.RowIndex, err)
		}
	}
	return nil
}

// InsertRateLimitBatch persists the audit rows of sampled-out requests
// outside the mini-batch transaction: losing an audit row must never roll
// back a commit.
func (s *LogStore) InsertRateLimitBatch(ctx context.Context, rows []models.RateLimitRow) error {
	if len(rows) == 0 {
		return nil
	}
	orgIDs := make([]string, len(rows))
	requestIDs := make([]string, len(rows))
	createdAts := make([]time.Time, len(rows))
	for i, r := range rows {
		orgIDs[i] = r.OrganizationID
		requestIDs[i] = r.RequestID
		createdAts[i] = r.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_log (organization_id, request_id, created_at)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::timestamptz[])`,
		pq.Array(orgIDs), pq.Array(requestIDs), pq.Array(createdAts),
	)
	if err != nil {
		return fmt.Errorf("inserting %d rate limit rows: %w", len(rows), err)
	}
	return nil
}

// InsertScores writes late-arriving score values for logged requests.
func (s *LogStore) InsertScores(ctx context.Context, updates []models.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, u := range updates {
		for key, value := range u.Scores {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO score_value (request_id, score_key, int_value, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (request_id, score_key) DO UPDATE SET int_value = EXCLUDED.int_value`,
				u.RequestID, key, value, u.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("inserting score %s for request %s: %w", key, u.RequestID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing scores: %w", err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
