package session

import (
	"bytes"
	"sync"
)

// PlaybackBuffer is the single shared state between the network receive
// path (producer) and the speaker device (consumer). Appended PCM is
// drained by fixed-size pulls on the playback clock; a pull that outruns
// the producer is padded with silence instead of blocking or shrinking.
type PlaybackBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewPlaybackBuffer returns an empty buffer.
func NewPlaybackBuffer() *PlaybackBuffer {
	return &PlaybackBuffer{}
}

// Append queues raw PCM for playback. Producer side only.
func (b *PlaybackBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.buf.Write(p)
}

// Pull returns exactly n bytes. If fewer are buffered, the deficit is
// zero bytes. Consumer side only.
func (b *PlaybackBuffer) Pull(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	b.mu.Lock()
	defer b.mu.Unlock()
	// Read fills what is buffered; the remainder stays zeroed (silence).
	_, _ = b.buf.Read(out)
	return out
}

// Read implements io.Reader for pull-based playback sinks. It always fills
// p entirely, padding with silence, and never returns an error.
func (b *PlaybackBuffer) Read(p []byte) (int, error) {
	copy(p, b.Pull(len(p)))
	return len(p), nil
}

// Clear atomically discards all buffered-but-unplayed bytes. Invoked on
// interruption (barge-in).
func (b *PlaybackBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// Len reports the number of buffered, unplayed bytes.
func (b *PlaybackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
