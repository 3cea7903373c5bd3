package consumer

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the outer transport encoding: the record is double-encoded,
// with the inner JSON carried as a string.
type envelope struct {
	Value string `json:"value"`
}

// MapMessages deserializes a mini-batch of transport messages into typed
// records. It fails the whole mini-batch on the first structurally
// unparseable payload: either all of it maps or none of it is processed, so
// the caller's offset bookkeeping stays simple. Malformed date fields are
// repaired (from the transport timestamp), not rejected.
//
// The same implementation serves the primary and DLQ consumers.
func MapMessages(msgs []transport.Message) ([]models.Message, error) {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Value) == 0 {
			return nil, fmt.Errorf("message at offset %d: empty value", m.Offset)
		}
		var env envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return nil, fmt.Errorf("message at offset %d: decoding envelope: %w", m.Offset, err)
		}
		inner := []byte(env.Value)
		if env.Value == "" {
			// Some producers skip the envelope and write the record directly.
			inner = m.Value
		}
		var rec models.Message
		if err := json.Unmarshal(inner, &rec); err != nil {
			return nil, fmt.Errorf("message at offset %d: decoding record: %w", m.Offset, err)
		}
		repairDates(&rec, m)
		out = append(out, rec)
	}
	return out, nil
}

// repairDates fills zero timestamps with the transport's own message
// timestamp so downstream windows and latency math stay sane.
func repairDates(rec *models.Message, m transport.Message) {
	if rec.Log.Request.RequestCreatedAt.IsZero() {
		rec.Log.Request.RequestCreatedAt = models.NewFlexTime(m.Timestamp)
	}
	if rec.Log.Response.ResponseCreatedAt.IsZero() {
		rec.Log.Response.ResponseCreatedAt = models.NewFlexTime(m.Timestamp)
	}
}

// ScoresMessage attaches scores to an already-logged request.
type ScoresMessage struct {
	RequestID      string          `json:"requestId"`
	OrganizationID string          `json:"organizationId"`
	Scores         map[string]int  `json:"scores"`
	CreatedAt      models.FlexTime `json:"createdAt"`
}

// MapScoresMessages is the scores-topic counterpart of MapMessages, with the
// same whole-mini-batch failure policy.
func MapScoresMessages(msgs []transport.Message) ([]ScoresMessage, error) {
	out := make([]ScoresMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Value) == 0 {
			return nil, fmt.Errorf("message at offset %d: empty value", m.Offset)
		}
		var env envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return nil, fmt.Errorf("message at offset %d: decoding envelope: %w", m.Offset, err)
		}
		inner := []byte(env.Value)
		if env.Value == "" {
			inner = m.Value
		}
		var rec ScoresMessage
		if err := json.Unmarshal(inner, &rec); err != nil {
			return nil, fmt.Errorf("message at offset %d: decoding scores record: %w", m.Offset, err)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = models.NewFlexTime(m.Timestamp)
		}
		out = append(out, rec)
	}
	return out, nil
}
