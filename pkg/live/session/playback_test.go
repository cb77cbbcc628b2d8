package session

import (
	"bytes"
	"sync"
	"testing"
)

func TestPlaybackBuffer_PullExactSizeWithSilencePadding(t *testing.T) {
	b := NewPlaybackBuffer()
	b.Append([]byte{1, 2, 3})

	got := b.Pull(6)
	if len(got) != 6 {
		t.Fatalf("Pull(6) returned %d bytes", len(got))
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 0, 0, 0}) {
		t.Fatalf("Pull(6) = %v", got)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}

func TestPlaybackBuffer_EmptyPullIsSilence(t *testing.T) {
	b := NewPlaybackBuffer()
	got := b.Pull(4)
	if !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Fatalf("Pull(4) = %v, want all zeros", got)
	}
}

func TestPlaybackBuffer_OrderPreservedAcrossPulls(t *testing.T) {
	b := NewPlaybackBuffer()
	b.Append([]byte{1, 2, 3, 4})
	b.Append([]byte{5, 6})

	first := b.Pull(3)
	second := b.Pull(3)
	if !bytes.Equal(first, []byte{1, 2, 3}) {
		t.Fatalf("first = %v", first)
	}
	if !bytes.Equal(second, []byte{4, 5, 6}) {
		t.Fatalf("second = %v", second)
	}
}

func TestPlaybackBuffer_ClearThenPullReturnsSilence(t *testing.T) {
	b := NewPlaybackBuffer()
	b.Append([]byte{9, 9, 9, 9})
	b.Clear()

	if got := b.Pull(4); !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Fatalf("Pull(4) after Clear() = %v", got)
	}

	b.Append([]byte{7, 7})
	if got := b.Pull(2); !bytes.Equal(got, []byte{7, 7}) {
		t.Fatalf("Pull(2) after re-append = %v", got)
	}
}

func TestPlaybackBuffer_ReadAlwaysFills(t *testing.T) {
	b := NewPlaybackBuffer()
	b.Append([]byte{1, 2})

	p := make([]byte, 8)
	n, err := b.Read(p)
	if err != nil || n != 8 {
		t.Fatalf("Read() = %d, %v", n, err)
	}
	if !bytes.Equal(p, []byte{1, 2, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("Read() filled %v", p)
	}
}

// No real byte may be duplicated, reordered, or leaked past a clear, for
// any interleaving of the producer, the consumer, and Clear.
func TestPlaybackBuffer_ConcurrentAppendPullClear(t *testing.T) {
	b := NewPlaybackBuffer()

	const appends = 2000
	const chunk = 16

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		payload := bytes.Repeat([]byte{0xAB}, chunk)
		for i := 0; i < appends; i++ {
			b.Append(payload)
			if i%100 == 0 {
				b.Clear()
			}
		}
	}()

	var realBytes int
	var wg2 sync.WaitGroup
	wg2.Add(1)
	go func() {
		defer wg2.Done()
		for i := 0; i < appends; i++ {
			for _, v := range b.Pull(chunk) {
				switch v {
				case 0xAB:
					realBytes++
				case 0:
				default:
					t.Errorf("unexpected byte %#x in pulled audio", v)
					return
				}
			}
		}
	}()

	wg.Wait()
	wg2.Wait()

	// Drain whatever survived the final clear.
	for b.Len() > 0 {
		for _, v := range b.Pull(chunk) {
			if v == 0xAB {
				realBytes++
			}
		}
	}
	if realBytes > appends*chunk {
		t.Fatalf("played %d real bytes, more than the %d appended", realBytes, appends*chunk)
	}
}

func TestPlaybackBuffer_ClearRacingAppendLeavesNoPartialChunk(t *testing.T) {
	b := NewPlaybackBuffer()
	payload := bytes.Repeat([]byte{1}, 32)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Append(payload)
		}()
		go func() {
			defer wg.Done()
			b.Clear()
		}()
		wg.Wait()

		// After the race settles, the buffer holds either the whole chunk
		// or nothing; a torn append would leave a partial length.
		if n := b.Len(); n != 0 && n != len(payload) {
			t.Fatalf("Len() = %d after append/clear race, want 0 or %d", n, len(payload))
		}
		b.Clear()
	}
}
