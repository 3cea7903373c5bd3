// Package settings exposes live, operator-mutable settings. The consumer
// reads its mini-batch size fresh before every mini-batch, so operational
// changes take effect with a lag of at most one mini-batch and no redeploy.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Setting keys, one per consumer role.
const (
	KeyLogConsumer       = "queue:log"
	KeyDLQConsumer       = "queue:dlq"
	KeyScoresConsumer    = "queue:score"
	KeyScoresDLQConsumer = "queue:dlq:score"
	KeyBackfillConsumer  = "queue:backfill"
)

// Setting is the decoded value of one settings row.
type Setting struct {
	MiniBatchSize int `json:"miniBatchSize"`
}

// ErrNotFound reports a key with no settings row; callers fall back to
// their default.
var ErrNotFound = errors.New("setting not found")

// Provider returns the current value for a key. Implementations must not
// cache across calls: freshness is the point.
type Provider interface {
	Get(ctx context.Context, key string) (Setting, error)
}

// PGProvider reads settings from the relational store on every call.
type PGProvider struct {
	db  *sql.DB
	log logger.Logger
}

func NewPGProvider(db *sql.DB, log logger.Logger) *PGProvider {
	return &PGProvider{db: db, log: log.Child("settings")}
}

func (p *PGProvider) Get(ctx context.Context, key string) (Setting, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT settings FROM siphon_settings WHERE name = $1`, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Setting{}, ErrNotFound
	}
	if err != nil {
		return Setting{}, err
	}
	var s Setting
	if err := json.Unmarshal(raw, &s); err != nil {
		return Setting{}, err
	}
	return s, nil
}

// Static is a fixed in-memory provider, used in tests and for consumers
// whose size is pinned by flag.
type Static struct {
	mu     sync.RWMutex
	values map[string]Setting
}

func NewStatic(values map[string]Setting) *Static {
	if values == nil {
		values = make(map[string]Setting)
	}
	return &Static{values: values}
}

func (s *Static) Get(ctx context.Context, key string) (Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return Setting{}, ErrNotFound
	}
	return v, nil
}

// Set replaces a value; visible to the next Get.
func (s *Static) Set(key string, v Setting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}
