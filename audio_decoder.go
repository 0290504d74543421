// audio_decoder.go - Opaque packet decoder boundary

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"fmt"

	"github.com/thesyncim/gopus"
)

// PacketDecoder is the codec collaborator behind one hardware context.
// The decode thread stages a fixed 2048-byte packet with PreparePacket,
// then calls DecodePacket repeatedly; each call emits at most one frame
// of 16-bit PCM into out and returns the byte count, or 0 once the packet
// is fully consumed and no output remains buffered. DiscardPacket
// abandons in-flight state after a decode error or a context reset.
//
// Decoder state persists across calls because a frame may span packets;
// one decoder instance is bound to each context for the lifetime of the
// system and survives allocate/release cycles.
type PacketDecoder interface {
	PreparePacket(data []byte, sampleRate, channels int) error
	DecodePacket(out []byte) (int, error)
	DiscardPacket()
}

// DecoderFactory builds the per-context decoder at system setup.
type DecoderFactory func() PacketDecoder

// NullDecoder consumes packets and produces no PCM. It stands in when no
// codec is configured, keeping the buffer-offset protocol exercised
// without emitting audio.
type NullDecoder struct {
	pending bool
}

func NewNullDecoder() PacketDecoder { return &NullDecoder{} }

func (d *NullDecoder) PreparePacket(data []byte, sampleRate, channels int) error {
	d.pending = true
	return nil
}

func (d *NullDecoder) DecodePacket(out []byte) (int, error) {
	d.pending = false
	return 0, nil
}

func (d *NullDecoder) DiscardPacket() {
	d.pending = false
}

// OpusDecoder adapts a pure-Go Opus decoder onto the packet interface.
// Each 2048-byte packet carries one length-prefixed Opus frame: a 16-bit
// big-endian payload length followed by the frame bytes. The decoded
// frame is buffered and drained through successive DecodePacket calls so
// output windows smaller than a frame still make progress.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int

	packet []byte // staged frame payload, nil when consumed
	pcm    []byte // decoded but not yet drained output
	pcmBuf []int16
}

func NewOpusDecoder() PacketDecoder {
	return &OpusDecoder{
		// Worst case one 120 ms frame at 48 kHz stereo.
		pcmBuf: make([]int16, 5760*2),
	}
}

func (d *OpusDecoder) PreparePacket(data []byte, sampleRate, channels int) error {
	if len(data) < 2 {
		return fmt.Errorf("opus packet too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if n == 0 || n > len(data)-2 {
		return fmt.Errorf("opus packet length %d out of range", n)
	}

	if d.dec == nil || sampleRate != d.sampleRate || channels != d.channels {
		dec, err := gopus.NewDecoder(gopus.DecoderConfig{
			SampleRate: sampleRate,
			Channels:   channels,
		})
		if err != nil {
			return fmt.Errorf("opus decoder init: %w", err)
		}
		d.dec = dec
		d.sampleRate = sampleRate
		d.channels = channels
	}

	d.packet = data[2 : 2+n]
	return nil
}

func (d *OpusDecoder) DecodePacket(out []byte) (int, error) {
	if len(d.pcm) == 0 {
		if d.packet == nil {
			return 0, nil
		}
		samples, err := d.dec.DecodeInt16(d.packet, d.pcmBuf)
		d.packet = nil
		if err != nil {
			return 0, fmt.Errorf("opus decode: %w", err)
		}
		total := samples * d.channels
		d.pcm = d.pcm[:0]
		if cap(d.pcm) < total*2 {
			d.pcm = make([]byte, 0, total*2)
		}
		for _, s := range d.pcmBuf[:total] {
			d.pcm = binary.LittleEndian.AppendUint16(d.pcm, uint16(s))
		}
	}

	n := copy(out, d.pcm)
	d.pcm = d.pcm[n:]
	return n, nil
}

func (d *OpusDecoder) DiscardPacket() {
	d.packet = nil
	d.pcm = nil
}
