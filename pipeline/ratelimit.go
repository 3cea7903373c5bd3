package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
)

// MaxPercentLog is the percent-log scale: an organization with this value
// keeps every record.
const MaxPercentLog = 100_000

// RateLimitStore persists the audit rows of sampled-out requests.
type RateLimitStore interface {
	InsertRateLimitBatch(ctx context.Context, rows []models.RateLimitRow) error
}

// RateLimitStage applies the per-organization sampling decision. Dropped
// records stop the chain without error; their audit rows are buffered in
// memory and flushed once after the whole mini-batch's traversals complete.
type RateLimitStage struct {
	store     RateLimitStore
	randFloat func() float64
	log       logger.Logger

	mu   sync.Mutex
	rows []models.RateLimitRow
}

func NewRateLimitStage(store RateLimitStore, log logger.Logger) *RateLimitStage {
	return &RateLimitStage{
		store:     store,
		randFloat: rand.Float64,
		log:       log.Child("ratelimit"),
	}
}

func (s *RateLimitStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	org := c.OrgParams()
	if org == nil {
		return Stop, errors.New("organization params not set")
	}
	if s.randFloat()*MaxPercentLog > float64(org.PercentLog) {
		s.mu.Lock()
		s.rows = append(s.rows, models.RateLimitRow{
			OrganizationID: org.ID,
			RequestID:      c.Message.Log.Request.ID,
			CreatedAt:      time.Now().UTC(),
		})
		s.mu.Unlock()
		return Stop, nil
	}
	return Continue, nil
}

// HandleResults flushes the buffered audit rows in one bulk insert.
func (s *RateLimitStage) HandleResults(ctx context.Context) error {
	s.mu.Lock()
	rows := s.rows
	s.rows = nil
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	return s.store.InsertRateLimitBatch(ctx, rows)
}
