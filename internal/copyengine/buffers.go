package copyengine

import "sync"

// segmentSize is the chunk size the producer reads in and the consumer
// writes out per iteration, and the size of pool-rented scratch buffers.
// Spec §5 calls for pooled buffers sized 16-80KB; 64KB matches the
// teacher's own bufio write buffer sizing convention (256KB for its
// network path, scaled down here since FastCopy's segments feed the rate
// limiter directly rather than a bufio.Writer).
const segmentSize = 64 * 1024

// pipeCapacity bounds memory per in-flight transfer (spec §4.3
// "Backpressure... Pipe capacity bounds memory per in-flight transfer").
const pipeCapacity = 4 * segmentSize

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, segmentSize)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	bufferPool.Put(b)
}
