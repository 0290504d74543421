// xma_context_data.go - Guest-visible XMA hardware context record

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import "encoding/binary"

const (
	XMA_CONTEXT_SIZE  = 64
	XMA_CONTEXT_WORDS = XMA_CONTEXT_SIZE / 4

	XMA_BYTES_PER_PACKET     = 2048
	XMA_SAMPLES_PER_FRAME    = 512
	XMA_SAMPLES_PER_SUBFRAME = 128

	XMA_OUTPUT_BYTES_PER_BLOCK = 256
	XMA_OUTPUT_MAX_SIZE_BYTES  = 31 * XMA_OUTPUT_BYTES_PER_BLOCK

	// The read offset is stored in bits and skips a fixed 32-bit packet
	// header that the raw value does not reflect. Byte arithmetic on the
	// host side subtracts the header going in and adds it back going out.
	XMA_PACKET_HEADER_BYTES = 4
)

// XmaContextData is the 64-byte record both guest and host party on. It
// lives in guest memory as 16 big-endian words of tight bitfields; the
// whole record is swapped and unpacked on load, packed and swapped on
// store. Field-level meaning only exists on the host side of that
// transform.
type XmaContextData struct {
	// Word 0
	InputBuffer0PacketCount uint32 // :12, number of 2KB packets, max 4095
	LoopCount               uint32 // :8
	InputBuffer0Valid       uint32 // :1
	InputBuffer1Valid       uint32 // :1
	OutputBufferBlockCount  uint32 // :5, 256-byte blocks
	OutputBufferWriteOffset uint32 // :5, in blocks

	// Word 1
	InputBuffer1PacketCount uint32 // :12
	LoopSubframeEnd         uint32 // :2
	UnkDword1A              uint32 // :3
	LoopSubframeSkip        uint32 // :3
	SubframeDecodeCount     uint32 // :4
	UnkDword1B              uint32 // :3
	SampleRate              uint32 // :2, enum: 0=24000 1=32000 2=44100 3=48000
	IsStereo                uint32 // :1
	UnkDword1C              uint32 // :1
	OutputBufferValid       uint32 // :1

	// Word 2
	InputBufferReadOffset uint32 // :26, bit granularity
	UnkDword2             uint32 // :6

	// Word 3
	LoopStart uint32 // :26
	UnkDword3 uint32 // :6

	// Word 4
	LoopEnd        uint32 // :26
	PacketMetadata uint32 // :5
	CurrentBuffer  uint32 // :1

	// Words 5-8, physical addresses
	InputBuffer0Ptr uint32
	InputBuffer1Ptr uint32
	OutputBufferPtr uint32
	OverlapAddPtr   uint32

	// Word 9
	OutputBufferReadOffset uint32 // :5, in blocks
	UnkDword9              uint32 // :27

	// Words 10-15, reserved
	UnkDwords10_15 [6]uint32
}

// LoadXmaContextData byte-swaps the 64-byte record at b out of guest
// order and splits the words into fields.
func LoadXmaContextData(b []byte) XmaContextData {
	var w [XMA_CONTEXT_WORDS]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}

	var d XmaContextData
	d.InputBuffer0PacketCount = w[0] & 0xFFF
	d.LoopCount = (w[0] >> 12) & 0xFF
	d.InputBuffer0Valid = (w[0] >> 20) & 0x1
	d.InputBuffer1Valid = (w[0] >> 21) & 0x1
	d.OutputBufferBlockCount = (w[0] >> 22) & 0x1F
	d.OutputBufferWriteOffset = (w[0] >> 27) & 0x1F

	d.InputBuffer1PacketCount = w[1] & 0xFFF
	d.LoopSubframeEnd = (w[1] >> 12) & 0x3
	d.UnkDword1A = (w[1] >> 14) & 0x7
	d.LoopSubframeSkip = (w[1] >> 17) & 0x7
	d.SubframeDecodeCount = (w[1] >> 20) & 0xF
	d.UnkDword1B = (w[1] >> 24) & 0x7
	d.SampleRate = (w[1] >> 27) & 0x3
	d.IsStereo = (w[1] >> 29) & 0x1
	d.UnkDword1C = (w[1] >> 30) & 0x1
	d.OutputBufferValid = (w[1] >> 31) & 0x1

	d.InputBufferReadOffset = w[2] & 0x3FFFFFF
	d.UnkDword2 = (w[2] >> 26) & 0x3F

	d.LoopStart = w[3] & 0x3FFFFFF
	d.UnkDword3 = (w[3] >> 26) & 0x3F

	d.LoopEnd = w[4] & 0x3FFFFFF
	d.PacketMetadata = (w[4] >> 26) & 0x1F
	d.CurrentBuffer = (w[4] >> 31) & 0x1

	d.InputBuffer0Ptr = w[5]
	d.InputBuffer1Ptr = w[6]
	d.OutputBufferPtr = w[7]
	d.OverlapAddPtr = w[8]

	d.OutputBufferReadOffset = w[9] & 0x1F
	d.UnkDword9 = (w[9] >> 5) & 0x7FFFFFF

	copy(d.UnkDwords10_15[:], w[10:16])
	return d
}

// Store packs the fields back into 16 words and byte-swaps them into
// guest order at b, symmetric with LoadXmaContextData.
func (d *XmaContextData) Store(b []byte) {
	var w [XMA_CONTEXT_WORDS]uint32

	w[0] = d.InputBuffer0PacketCount & 0xFFF
	w[0] |= (d.LoopCount & 0xFF) << 12
	w[0] |= (d.InputBuffer0Valid & 0x1) << 20
	w[0] |= (d.InputBuffer1Valid & 0x1) << 21
	w[0] |= (d.OutputBufferBlockCount & 0x1F) << 22
	w[0] |= (d.OutputBufferWriteOffset & 0x1F) << 27

	w[1] = d.InputBuffer1PacketCount & 0xFFF
	w[1] |= (d.LoopSubframeEnd & 0x3) << 12
	w[1] |= (d.UnkDword1A & 0x7) << 14
	w[1] |= (d.LoopSubframeSkip & 0x7) << 17
	w[1] |= (d.SubframeDecodeCount & 0xF) << 20
	w[1] |= (d.UnkDword1B & 0x7) << 24
	w[1] |= (d.SampleRate & 0x3) << 27
	w[1] |= (d.IsStereo & 0x1) << 29
	w[1] |= (d.UnkDword1C & 0x1) << 30
	w[1] |= (d.OutputBufferValid & 0x1) << 31

	w[2] = d.InputBufferReadOffset & 0x3FFFFFF
	w[2] |= (d.UnkDword2 & 0x3F) << 26

	w[3] = d.LoopStart & 0x3FFFFFF
	w[3] |= (d.UnkDword3 & 0x3F) << 26

	w[4] = d.LoopEnd & 0x3FFFFFF
	w[4] |= (d.PacketMetadata & 0x1F) << 26
	w[4] |= (d.CurrentBuffer & 0x1) << 31

	w[5] = d.InputBuffer0Ptr
	w[6] = d.InputBuffer1Ptr
	w[7] = d.OutputBufferPtr
	w[8] = d.OverlapAddPtr

	w[9] = d.OutputBufferReadOffset & 0x1F
	w[9] |= (d.UnkDword9 & 0x7FFFFFF) << 5

	copy(w[10:16], d.UnkDwords10_15[:])

	for i := range w {
		binary.BigEndian.PutUint32(b[i*4:i*4+4], w[i])
	}
}

// SampleRateHz maps the 2-bit hardware enum onto the real rate.
func (d *XmaContextData) SampleRateHz() int {
	switch d.SampleRate {
	case 0:
		return 24000
	case 1:
		return 32000
	case 2:
		return 44100
	default:
		return 48000
	}
}

// Channels is 2 for stereo streams, 1 otherwise.
func (d *XmaContextData) Channels() int {
	if d.IsStereo == 1 {
		return 2
	}
	return 1
}
