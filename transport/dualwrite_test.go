package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	sendErr  error
	closeErr error
	sent     []string
	closed   bool
}

func (f *fakeProducer) SendMessages(_ context.Context, msgs []ProducedMessage, topic string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	for range msgs {
		f.sent = append(f.sent, topic)
	}
	return nil
}

func (f *fakeProducer) Close(context.Context) error {
	f.closed = true
	return f.closeErr
}

func TestDualProducerSendsToBoth(t *testing.T) {
	primary := &fakeProducer{}
	secondary := &fakeProducer{}
	p := NewDualProducer(primary, secondary, logger.NOP)

	err := p.SendMessages(context.Background(), []ProducedMessage{{Key: []byte("k"), Value: []byte("v")}}, "siphon-logs")
	require.NoError(t, err)
	require.Equal(t, []string{"siphon-logs"}, primary.sent)
	require.Equal(t, []string{"siphon-logs"}, secondary.sent)
}

func TestDualProducerToleratesPrimaryFailure(t *testing.T) {
	primary := &fakeProducer{sendErr: errors.New("broker unreachable")}
	secondary := &fakeProducer{}
	p := NewDualProducer(primary, secondary, logger.NOP)

	err := p.SendMessages(context.Background(), []ProducedMessage{{Value: []byte("v")}}, "siphon-logs")
	require.NoError(t, err)
	require.Equal(t, []string{"siphon-logs"}, secondary.sent)
}

func TestDualProducerSecondaryErrorIsAuthoritative(t *testing.T) {
	secondaryErr := errors.New("queue full")
	primary := &fakeProducer{}
	secondary := &fakeProducer{sendErr: secondaryErr}
	p := NewDualProducer(primary, secondary, logger.NOP)

	err := p.SendMessages(context.Background(), []ProducedMessage{{Value: []byte("v")}}, "siphon-logs")
	require.ErrorIs(t, err, secondaryErr)
}

func TestDualProducerCloseClosesBoth(t *testing.T) {
	primaryErr := errors.New("primary close failed")
	primary := &fakeProducer{closeErr: primaryErr}
	secondary := &fakeProducer{}
	p := NewDualProducer(primary, secondary, logger.NOP)

	err := p.Close(context.Background())
	require.ErrorIs(t, err, primaryErr)
	require.True(t, primary.closed)
	require.True(t, secondary.closed)
}
