package consumer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siphonlog/siphon/transport"
)

func makeMessages(partition int, firstOffset int64, n int) []transport.Message {
	msgs := make([]transport.Message, n)
	for i := range msgs {
		msgs[i] = transport.Message{Partition: partition, Offset: firstOffset + int64(i)}
	}
	return msgs
}

func TestSliceMiniBatches(t *testing.T) {
	msgs := makeMessages(3, 100, 10)

	batches := SliceMiniBatches(msgs, 4)
	require.Len(t, batches, 3)

	// Contiguous, non-overlapping, union is the original batch.
	var total int
	next := int64(100)
	for _, b := range batches {
		require.Equal(t, 3, b.Partition)
		require.Equal(t, next, b.FirstOffset)
		require.Equal(t, b.FirstOffset+int64(len(b.Messages))-1, b.LastOffset)
		next = b.LastOffset + 1
		total += len(b.Messages)
	}
	require.Equal(t, len(msgs), total)
	require.Equal(t, int64(110), next)

	require.Equal(t, "3-100-103", batches[0].ID())
	require.Equal(t, "3-104-107", batches[1].ID())
	require.Equal(t, "3-108-109", batches[2].ID())
}

func TestSliceMiniBatchesSmallerThanSize(t *testing.T) {
	batches := SliceMiniBatches(makeMessages(0, 5, 2), 10)
	require.Len(t, batches, 1)
	require.Equal(t, "0-5-6", batches[0].ID())
	require.Len(t, batches[0].Messages, 2)
}

func TestSliceMiniBatchesDegenerate(t *testing.T) {
	require.Nil(t, SliceMiniBatches(nil, 4))
	require.Nil(t, SliceMiniBatches(makeMessages(0, 0, 3), 0))
}
