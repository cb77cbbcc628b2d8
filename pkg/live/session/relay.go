package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxkit/gemlive/pkg/live/protocol"
)

// AudioSource is the capture device collaborator. ReadChunk blocks until
// the device has produced its next fixed-size PCM chunk, which paces the
// relay at the device's natural cadence.
type AudioSource interface {
	ReadChunk(ctx context.Context) ([]byte, error)
}

// FrameSource is the image capture collaborator.
type FrameSource interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
}

// captureRelay forwards microphone chunks into outbound realtimeInput
// frames, one send per chunk. It holds no backlog: a failed send stops the
// relay and signals session shutdown.
type captureRelay struct {
	source AudioSource
	mime   string
	send   func([]byte) error
	fail   func(task string, err error)
	logger *slog.Logger
}

func (r *captureRelay) run(ctx context.Context) {
	r.logger.Info("capture relay started", "mime", r.mime)
	for {
		chunk, err := r.source.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail("capture", err)
			return
		}
		if len(chunk) == 0 {
			continue
		}
		frame, err := protocol.EncodeMediaChunk(r.mime, chunk)
		if err != nil {
			r.fail("capture", err)
			return
		}
		if err := r.send(frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail("capture", err)
			return
		}
	}
}

// videoRelay ships one encoded frame per tick at the configured rate.
// Same back-pressure policy as the capture relay.
type videoRelay struct {
	source   FrameSource
	interval time.Duration
	send     func([]byte) error
	fail     func(task string, err error)
	logger   *slog.Logger
}

func (r *videoRelay) run(ctx context.Context) {
	r.logger.Info("video relay started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jpeg, err := r.source.CaptureFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail("video", err)
			return
		}
		if len(jpeg) == 0 {
			continue
		}
		frame, err := protocol.EncodeMediaChunk(protocol.MimeImageJPEG, jpeg)
		if err != nil {
			r.fail("video", err)
			return
		}
		if err := r.send(frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail("video", err)
			return
		}
	}
}
