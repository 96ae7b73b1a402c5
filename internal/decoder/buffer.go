package decoder

import (
	"github.com/glebovdev/cloudplay-cli/internal/config"
)

// Buffer accumulates compressed bytes for one stream. Bytes before the
// processed offset have been consumed by the decoder and are the only ones
// trimming may discard.
type Buffer struct {
	data      []byte
	processed int
	base      int64 // stream offset of data[0]
	capBytes  int
	retain    int
	trims     int
}

func NewBuffer(capBytes, retainBytes int) *Buffer {
	if capBytes <= 0 {
		capBytes = config.DefaultBufferCapBytes
	}
	if retainBytes <= 0 || retainBytes >= capBytes {
		retainBytes = capBytes * 2 / 5
	}
	return &Buffer{capBytes: capBytes, retain: retainBytes}
}

// Append copies p onto the buffer and trims it when it grows past the cap.
// It reports whether a trim happened.
func (b *Buffer) Append(p []byte) bool {
	b.data = append(b.data, p...)
	if len(b.data) <= b.capBytes {
		return false
	}
	return b.trim()
}

// trim drops the oldest already-processed bytes so that at most retain bytes
// remain. Unprocessed bytes are never dropped.
func (b *Buffer) trim() bool {
	drop := len(b.data) - b.retain
	if drop > b.processed {
		drop = b.processed
	}
	if drop <= 0 {
		return false
	}

	n := len(b.data) - drop
	kept := make([]byte, n, max(n, b.retain)+b.capBytes/4)
	copy(kept, b.data[drop:])
	b.data = kept
	b.processed -= drop
	b.base += int64(drop)
	b.trims++
	return true
}

// Pending returns the bytes not yet consumed. The slice is only valid until
// the next Append.
func (b *Buffer) Pending() []byte {
	return b.data[b.processed:]
}

// Advance marks n more bytes as consumed, never past the end of the buffer.
func (b *Buffer) Advance(n int) {
	if n <= 0 {
		return
	}
	b.processed += n
	if b.processed > len(b.data) {
		b.processed = len(b.data)
	}
}

func (b *Buffer) Len() int       { return len(b.data) }
func (b *Buffer) Processed() int { return b.processed }
func (b *Buffer) Trims() int     { return b.trims }

// StreamOffset is the absolute position of the processed offset in the stream.
func (b *Buffer) StreamOffset() int64 {
	return b.base + int64(b.processed)
}

// Reset empties the buffer for a new stream.
func (b *Buffer) Reset() {
	b.data = nil
	b.processed = 0
	b.base = 0
	b.trims = 0
}
