package logstore

import (
	"context"
	"fmt"

	"github.com/siphonlog/siphon/pipeline"
)

// WebhooksFor returns the active webhook endpoints registered for an
// organization.
func (s *LogStore) WebhooksFor(ctx context.Context, orgID string) ([]pipeline.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, destination
		FROM webhooks
		WHERE org_id = $1 AND is_verified = true`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks for org %s: %w", orgID, err)
	}
	defer func() { _ = rows.Close() }()

	var hooks []pipeline.Webhook
	for rows.Next() {
		var h pipeline.Webhook
		if err := rows.Scan(&h.ID, &h.Destination); err != nil {
			return nil, fmt.Errorf("scanning webhook row: %w", err)
		}
		hooks = append(hooks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading webhook rows: %w", err)
	}
	return hooks, nil
}
