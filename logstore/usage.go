package logstore

import (
	"context"
	"fmt"
	"time"
)

// RecordUsage accumulates metered token counts per organization and day.
// Called once per mini-batch per organization with pre-aggregated totals.
func (s *LogStore) RecordUsage(ctx context.Context, orgID string, promptTokens, completionTokens int64) error {
	if promptTokens == 0 && completionTokens == 0 {
		return nil
	}
	day := time.Now().UTC().Truncate(24 * time.Hour)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_usage (organization_id, day, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, day) DO UPDATE SET
			prompt_tokens = organization_usage.prompt_tokens + EXCLUDED.prompt_tokens,
			completion_tokens = organization_usage.completion_tokens + EXCLUDED.completion_tokens`,
		orgID, day, promptTokens, completionTokens,
	)
	if err != nil {
		return fmt.Errorf("recording usage for org %s: %w", orgID, err)
	}
	return nil
}
