package analytics

import (
	"context"
	"fmt"
	"reflect"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// tenantSettingKey is the server-enforced session setting carrying the
// tenant id. Row-level security policies on the analytics store filter on
// it, so isolation is structural: the query text is never rewritten to add
// tenant filters.
const tenantSettingKey = "SQL_siphon_organization_id"

// tenantKeywordPattern catches attempts to smuggle the reserved tenant
// setting into query text, including case and separator variations.
var tenantKeywordPattern = regexp.MustCompile(`(?i)sql[_\s]*siphon[_\s]*organization[_\s]*id`)

// SecurityRule pairs a pattern with a rejection reason. The rule set is
// static, process-wide and read-only after initialization. String matching
// is the secondary check; enforced isolation is structural.
type SecurityRule struct {
	Pattern *regexp.Regexp
	Reason  string
}

var securityRules = []SecurityRule{
	{
		Pattern: regexp.MustCompile(`(?i)\bSETTINGS\s+`),
		Reason:  "SETTINGS clause is not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?i);\s*(?:SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|RENAME|GRANT|REVOKE|SET)\b`),
		Reason:  "multi-statement queries are not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?i)^\s*(?:CREATE|DROP|ALTER|TRUNCATE|RENAME)\s+(?:TABLE|DATABASE|VIEW)\b`),
		Reason:  "DDL operations are not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?i)^\s*(?:INSERT|UPDATE|DELETE)\s+`),
		Reason:  "write queries are not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\b(?:file|url|odbc|hdfs|s3|input|mysql|postgresql)\s*\(`),
		Reason:  "access to table functions is not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\binformation_schema\b`),
		Reason:  "access to information_schema is denied",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\bsystem\.`),
		Reason:  "access to system tables is denied",
	},
	{
		Pattern: regexp.MustCompile(`(?i)^\s*(?:GRANT|REVOKE)\s+`),
		Reason:  "permission management is not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?i)^\s*(?:CREATE|ALTER|DROP)\s+USER\b`),
		Reason:  "user management is not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\bsleep\s*\(\s*\d+(?:\.\d+)?\s*\)`),
		Reason:  "sleep is not allowed",
	},
	{
		Pattern: regexp.MustCompile(`(?is)CROSS\s+JOIN.*CROSS\s+JOIN`),
		Reason:  "stacked cross joins are not allowed",
	},
}

// RejectionError is a reason-coded security rejection; the query never
// reached the store.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("query rejected: %s", e.Reason)
}

// ValidateQuery runs the static security rules against a tenant-authored
// query.
func ValidateQuery(query string) error {
	if tenantKeywordPattern.MatchString(query) {
		return &RejectionError{Reason: "query contains the reserved tenant-context keyword"}
	}
	for _, rule := range securityRules {
		if rule.Pattern.MatchString(query) {
			return &RejectionError{Reason: rule.Reason}
		}
	}
	return nil
}

// QueryWithContext executes a tenant-authored analytical query with the
// tenant id injected as a server-enforced session setting, under hard
// execution-time, memory and result-size ceilings set on every call.
func (c *Client) QueryWithContext(ctx context.Context, query, organizationID string, params []any) ([]map[string]any, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}

	queryCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		tenantSettingKey:     organizationID,
		"readonly":           1,
		"allow_ddl":          0,
		"max_execution_time": 30,
		"max_memory_usage":   1_000_000_000,
		"max_rows_to_read":   100_000_000,
		"max_result_rows":    10_000,
	}))

	args := make([]any, len(params))
	for i, p := range params {
		args[i] = clickhouse.Named(fmt.Sprintf("val_%d", i), p)
	}

	rows, err := c.gatewayConn.Query(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing gateway query: %w", err)
	}
	defer rows.Close()

	columns := rows.Columns()
	columnTypes := rows.ColumnTypes()
	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(columns))
		for i, ct := range columnTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning gateway row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading gateway rows: %w", err)
	}
	return out, nil
}
