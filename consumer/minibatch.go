package consumer

import (
	"fmt"

	"github.com/siphonlog/siphon/transport"
)

// MiniBatch is an ordered, bounded, offset-contiguous slice of a pulled
// batch, identified by (partition, firstOffset, lastOffset). It is the unit
// of acknowledgment: offsets are committed only after its commit attempt
// completes, never before.
type MiniBatch struct {
	Partition   int
	FirstOffset int64
	LastOffset  int64
	Messages    []transport.Message
}

func (b MiniBatch) ID() string {
	return fmt.Sprintf("%d-%d-%d", b.Partition, b.FirstOffset, b.LastOffset)
}

// sliceMiniBatch carves the next mini-batch of at most size messages
// starting at index i. Offsets within the result are contiguous in the
// original pull order.
func sliceMiniBatch(msgs []transport.Message, i, size int) MiniBatch {
	end := i + size
	if end > len(msgs) {
		end = len(msgs)
	}
	slice := msgs[i:end]
	return MiniBatch{
		Partition:   slice[0].Partition,
		FirstOffset: slice[0].Offset,
		LastOffset:  slice[len(slice)-1].Offset,
		Messages:    slice,
	}
}

// SliceMiniBatches splits a whole batch into contiguous, non-overlapping
// mini-batches whose union is the original batch.
func SliceMiniBatches(msgs []transport.Message, size int) []MiniBatch {
	if size < 1 || len(msgs) == 0 {
		return nil
	}
	batches := make([]MiniBatch, 0, (len(msgs)+size-1)/size)
	for i := 0; i < len(msgs); i += size {
		batches = append(batches, sliceMiniBatch(msgs, i, size))
	}
	return batches
}
