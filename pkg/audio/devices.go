// Package audio binds the host's capture and playback hardware: a malgo
// microphone that emits fixed-size PCM chunks and an oto speaker that
// pulls from a playback source.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// ErrDeviceClosed is returned by ReadChunk after Close.
var ErrDeviceClosed = errors.New("audio: device closed")

// Engine owns the miniaudio context shared by capture devices. Close it
// only after every device opened through it is closed.
type Engine struct {
	ctx *malgo.AllocatedContext
}

func NewEngine() (*Engine, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Engine{ctx: ctx}, nil
}

func (e *Engine) Close() {
	_ = e.ctx.Uninit()
	e.ctx.Free()
}

// Microphone captures mono S16LE PCM and hands it out in fixed-size
// chunks sized for the realtime uplink.
type Microphone struct {
	device     *malgo.Device
	chunkBytes int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

// NewMicrophone opens the default capture device at the given sample rate
// and starts it. chunkMillis fixes the duration each ReadChunk returns.
func (e *Engine) NewMicrophone(sampleRate, chunkMillis int) (*Microphone, error) {
	if sampleRate <= 0 || chunkMillis <= 0 {
		return nil, fmt.Errorf("invalid capture parameters: rate=%d chunk=%dms", sampleRate, chunkMillis)
	}
	m := &Microphone{
		// mono 16-bit
		chunkBytes: sampleRate * 2 * chunkMillis / 1000,
		buf:        make([]byte, 0, sampleRate*2),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, pInputSamples...)
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(e.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	return m, nil
}

// ReadChunk blocks until one full chunk of captured audio is available
// and returns it. It honors context cancellation mid-wait.
func (m *Microphone) ReadChunk(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { m.cond.Broadcast() })
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.buf) < m.chunkBytes && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.closed {
		return nil, ErrDeviceClosed
	}

	chunk := make([]byte, m.chunkBytes)
	copy(chunk, m.buf)
	m.buf = m.buf[m.chunkBytes:]
	return chunk, nil
}

func (m *Microphone) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
}

// Speaker plays mono S16LE PCM pulled from src. The source must always
// fill the read buffer, padding with silence when it has nothing queued,
// so the device clock never starves.
type Speaker struct {
	player *oto.Player
}

// NewSpeaker opens the default playback device and starts pulling from
// src immediately.
func NewSpeaker(sampleRate int, src io.Reader) (*Speaker, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms of device-side buffer keeps latency low without glitching.
		BufferSize: 100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	player := otoCtx.NewPlayer(src)
	player.Play()
	return &Speaker{player: player}, nil
}

func (s *Speaker) Close() error {
	return s.player.Close()
}
