package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siphonlog/siphon/transport"
)

const sampleRecord = `{
	"authorization": "Bearer sk-test",
	"siphonMeta": {"modelOverride": "gpt-4o"},
	"log": {
		"request": {"id": "req-1", "provider": "OPENAI", "requestCreatedAt": "2025-03-01T10:00:00Z"},
		"response": {"id": "resp-1", "status": 200, "responseCreatedAt": "2025-03-01T10:00:01Z"}
	}
}`

func envelopeOf(t *testing.T, record string) []byte {
	t.Helper()
	env, err := json.Marshal(envelope{Value: record})
	require.NoError(t, err)
	return env
}

func TestMapMessagesDoubleEncodedEnvelope(t *testing.T) {
	msgs := []transport.Message{{Offset: 1, Value: envelopeOf(t, sampleRecord)}}

	mapped, err := MapMessages(msgs)
	require.NoError(t, err)
	require.Len(t, mapped, 1)
	require.Equal(t, "Bearer sk-test", mapped[0].Authorization)
	require.Equal(t, "req-1", mapped[0].Log.Request.ID)
	require.Equal(t, "gpt-4o", mapped[0].Meta.ModelOverride)
	require.Equal(t, 200, mapped[0].Log.Response.Status)
}

func TestMapMessagesDirectRecordFallback(t *testing.T) {
	mapped, err := MapMessages([]transport.Message{{Offset: 1, Value: []byte(sampleRecord)}})
	require.NoError(t, err)
	require.Len(t, mapped, 1)
	require.Equal(t, "req-1", mapped[0].Log.Request.ID)
}

func TestMapMessagesRepairsMalformedDates(t *testing.T) {
	transportTime := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	record := `{
		"authorization": "Bearer sk-test",
		"log": {
			"request": {"id": "req-1", "requestCreatedAt": "not-a-date"},
			"response": {"id": "resp-1", "responseCreatedAt": null}
		}
	}`
	mapped, err := MapMessages([]transport.Message{{
		Offset:    7,
		Value:     envelopeOf(t, record),
		Timestamp: transportTime,
	}})
	require.NoError(t, err)
	require.Equal(t, transportTime, mapped[0].Log.Request.RequestCreatedAt.Time())
	require.Equal(t, transportTime, mapped[0].Log.Response.ResponseCreatedAt.Time())
}

func TestMapMessagesFailsWholeMiniBatch(t *testing.T) {
	msgs := []transport.Message{
		{Offset: 1, Value: envelopeOf(t, sampleRecord)},
		{Offset: 2, Value: []byte(`{"value": "{not json"}`)},
		{Offset: 3, Value: envelopeOf(t, sampleRecord)},
	}

	mapped, err := MapMessages(msgs)
	require.Error(t, err)
	require.Nil(t, mapped)
	require.Contains(t, err.Error(), "offset 2")
}

func TestMapMessagesEmptyValue(t *testing.T) {
	_, err := MapMessages([]transport.Message{{Offset: 4}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty value")
}

func TestMapScoresMessages(t *testing.T) {
	record := `{"requestId": "req-1", "organizationId": "org-1", "scores": {"quality": 9}}`
	transportTime := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	mapped, err := MapScoresMessages([]transport.Message{{
		Offset:    1,
		Value:     envelopeOf(t, record),
		Timestamp: transportTime,
	}})
	require.NoError(t, err)
	require.Len(t, mapped, 1)
	require.Equal(t, "req-1", mapped[0].RequestID)
	require.Equal(t, map[string]int{"quality": 9}, mapped[0].Scores)
	require.Equal(t, transportTime, mapped[0].CreatedAt.Time())
}
