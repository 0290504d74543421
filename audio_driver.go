//go:build !headless

// audio_driver.go - OTO v3 audio driver for submitted guest frames

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"sync"

	"github.com/ebitengine/oto/v3"
)

const DRIVER_SAMPLE_RATE = 48000

// Ring capacity in frames. Small on purpose: the client callback cadence
// is driven by the driver going hungry.
const DRIVER_RING_FRAMES = 8

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func sharedOtoContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   DRIVER_SAMPLE_RATE,
			ChannelCount: FRAME_CHANNELS,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   4,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// OtoDriver sinks one client's rendered frames into the host audio
// device. SubmitFrame copies a frame out of guest memory into the ring;
// the player drains the ring and sets the client's wait event whenever
// there is room for another frame.
type OtoDriver struct {
	memory MemoryBus
	ready  *Event
	player *oto.Player

	mutex  sync.Mutex
	ring   []byte
	closed bool
}

// OtoDriverFactory adapts the oto driver to the per-client factory
// shape used at registration.
func OtoDriverFactory(memory MemoryBus) DriverFactory {
	return func(index int, ready *Event) (AudioDriver, error) {
		return NewOtoDriver(memory, ready)
	}
}

func NewOtoDriver(memory MemoryBus, ready *Event) (*OtoDriver, error) {
	ctx, err := sharedOtoContext()
	if err != nil {
		return nil, err
	}
	d := &OtoDriver{
		memory: memory,
		ready:  ready,
	}
	d.player = ctx.NewPlayer(d)
	d.player.Play()
	// Hungry from the start so the first callback fires.
	ready.Set()
	return d, nil
}

// SubmitFrame reads FRAME_SIZE_BYTES of big-endian 16-bit PCM at
// samplesPtr and queues it host-order for playback.
func (d *OtoDriver) SubmitFrame(samplesPtr uint32) {
	raw := d.memory.TranslatePhysical(samplesPtr)[:FRAME_SIZE_BYTES]

	frame := make([]byte, FRAME_SIZE_BYTES)
	for i := 0; i < FRAME_SIZE_BYTES; i += 2 {
		binary.LittleEndian.PutUint16(frame[i:i+2], binary.BigEndian.Uint16(raw[i:i+2]))
	}

	d.mutex.Lock()
	if len(d.ring) < DRIVER_RING_FRAMES*FRAME_SIZE_BYTES {
		d.ring = append(d.ring, frame...)
	}
	d.mutex.Unlock()
}

// Read feeds the oto player. Underrun plays silence; room in the ring
// re-arms the client's wait event.
func (d *OtoDriver) Read(p []byte) (int, error) {
	d.mutex.Lock()
	n := copy(p, d.ring)
	d.ring = d.ring[n:]
	room := len(d.ring) < DRIVER_RING_FRAMES*FRAME_SIZE_BYTES
	closed := d.closed
	d.mutex.Unlock()

	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	if room && !closed {
		d.ready.Set()
	}
	return len(p), nil
}

func (d *OtoDriver) Close() {
	d.mutex.Lock()
	d.closed = true
	d.ring = nil
	d.mutex.Unlock()
	if d.player != nil {
		d.player.Close()
	}
}
