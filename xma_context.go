// xma_context.go - One XMA hardware decode context

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import (
	"sync"

	"github.com/rs/zerolog"
)

// XmaContext is one slot of the hardware decoder array. Each slot owns a
// 64-byte guest record, a persistent packet decoder, and a lock that
// serializes decode work against release and reset from other threads.
// Slots are fully independent; the decoder thread try-locks and skips
// contended slots rather than stalling the scan.
type XmaContext struct {
	memory MemoryBus
	log    zerolog.Logger

	id       uint32
	guestPtr uint32
	lock     sync.Mutex

	isAllocated bool
	isEnabled   bool

	decoder PacketDecoder

	// Sticky decode failure marker. The hardware never surfaced decode
	// errors into the guest record, so this stays host-side: observable
	// in logs and metrics, invisible to the guest.
	decodeError bool
}

// Setup binds the context to its guest slot. Called once per slot at
// system start; safe to call again with the same identity.
func (ctx *XmaContext) Setup(id uint32, memory MemoryBus, guestPtr uint32, decoder PacketDecoder, log zerolog.Logger) {
	ctx.id = id
	ctx.memory = memory
	ctx.guestPtr = guestPtr
	ctx.log = log.With().Uint32("ctx", id).Logger()
	if ctx.decoder == nil {
		ctx.decoder = decoder
	}
}

func (ctx *XmaContext) ID() uint32       { return ctx.id }
func (ctx *XmaContext) GuestPtr() uint32 { return ctx.guestPtr }

func (ctx *XmaContext) IsAllocated() bool { return ctx.isAllocated }
func (ctx *XmaContext) IsEnabled() bool   { return ctx.isEnabled }

func (ctx *XmaContext) SetIsAllocated(allocated bool) { ctx.isAllocated = allocated }

// Enable and Disable track the guest's administrative state. Decode
// correctness does not depend on them; they exist for API symmetry with
// the guest-facing XMA calls.
func (ctx *XmaContext) Enable()  { ctx.isEnabled = true }
func (ctx *XmaContext) Disable() { ctx.isEnabled = false }

// Block acquires exclusive access to the context. With poll set it
// returns false immediately when another actor holds the lock instead of
// waiting.
func (ctx *XmaContext) Block(poll bool) bool {
	if poll {
		return ctx.lock.TryLock()
	}
	ctx.lock.Lock()
	return true
}

// Unblock releases the lock taken by Block.
func (ctx *XmaContext) Unblock() {
	ctx.lock.Unlock()
}

// Clear zeroes the guest record and discards in-flight decoder state.
// Caller must hold the context lock.
func (ctx *XmaContext) Clear() {
	raw := ctx.memory.TranslatePhysical(ctx.guestPtr)[:XMA_CONTEXT_SIZE]
	for i := range raw {
		raw[i] = 0
	}
	ctx.decoder.DiscardPacket()
	ctx.decodeError = false
}

// Release marks the slot unallocated and wipes it. Takes the lock itself
// so an in-progress decode on the worker thread finishes its write-back
// before the record is zeroed.
func (ctx *XmaContext) Release() {
	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	ctx.isAllocated = false
	ctx.isEnabled = false
	ctx.Clear()
}

// Work runs one decode pass over the context. Caller must hold the
// context lock for the entire call. Returns true when the pass found a
// pending kick, whether or not any PCM was produced.
func (ctx *XmaContext) Work() bool {
	raw := ctx.memory.TranslatePhysical(ctx.guestPtr)[:XMA_CONTEXT_SIZE]
	data := LoadXmaContextData(raw)

	if data.InputBuffer0Valid == 0 && data.InputBuffer1Valid == 0 {
		return false
	}

	// Claim the kick up front. Work may stall on a full output buffer;
	// the guest re-kicks with fresh buffers rather than us re-entering.
	data.InputBuffer0Valid = 0
	data.InputBuffer1Valid = 0
	data.OutputBufferValid = 0

	if data.InputBuffer1PacketCount != 0 {
		// Decoding across the secondary buffer is unmodeled, and the
		// record is guest-writable, so this cannot be trusted not to
		// happen. Drop the pass like a failed packet.
		ctx.log.Warn().
			Uint32("packets", data.InputBuffer1PacketCount).
			Msg("secondary input buffer in use, dropping pass")
		ctx.decodeError = true
		metricPacketsDropped.Inc()
		data.Store(raw)
		return true
	}

	ctx.process(&data)

	data.Store(raw)
	return true
}

// process is the inner decode loop: byte-granular offset arithmetic over
// the record's bit/block-granular stored offsets, repeated until input is
// exhausted, output is full, or the packet fails to decode.
func (ctx *XmaContext) process(data *XmaContextData) {
	in0 := ctx.memory.TranslatePhysical(data.InputBuffer0Ptr)
	out := ctx.memory.TranslatePhysical(data.OutputBufferPtr)

	inputSize := (data.InputBuffer0PacketCount + data.InputBuffer1PacketCount) * XMA_BYTES_PER_PACKET
	inputOffset := uint32(0)
	if data.InputBufferReadOffset/8 > XMA_PACKET_HEADER_BYTES {
		inputOffset = data.InputBufferReadOffset/8 - XMA_PACKET_HEADER_BYTES
	}
	outputSize := data.OutputBufferBlockCount * XMA_OUTPUT_BYTES_PER_BLOCK
	outputOffset := data.OutputBufferWriteOffset * XMA_OUTPUT_BYTES_PER_BLOCK

	// Both stored offsets are guest-writable and may point past the
	// configured buffers; treat that as exhausted/full rather than
	// trusting them in slice arithmetic.
	if inputOffset > inputSize {
		inputOffset = inputSize
	}
	if outputOffset > outputSize {
		outputOffset = outputSize
	}

	for {
		if inputSize-inputOffset == 0 {
			break
		}

		outputRemaining := outputSize - outputOffset
		if outputRemaining == 0 {
			// Output full. Not an error: the guest kicks again with a
			// fresh output buffer.
			break
		}

		read, err := ctx.decoder.DecodePacket(out[outputOffset : outputOffset+outputRemaining])
		if err != nil {
			ctx.log.Warn().Err(err).Msg("failed to decode packet, dropping")
			ctx.decoder.DiscardPacket()
			ctx.decodeError = true
			metricPacketsDropped.Inc()
			break
		}

		if read == 0 {
			packet := in0[inputOffset : inputOffset+XMA_BYTES_PER_PACKET]
			if err := ctx.decoder.PreparePacket(packet, data.SampleRateHz(), data.Channels()); err != nil {
				ctx.log.Warn().Err(err).Msg("failed to prepare packet, dropping")
				ctx.decoder.DiscardPacket()
				ctx.decodeError = true
				metricPacketsDropped.Inc()
				break
			}
			inputOffset += XMA_BYTES_PER_PACKET
			metricPacketsDecoded.Inc()
		}

		outputOffset += uint32(read)

		data.InputBufferReadOffset = (inputOffset + XMA_PACKET_HEADER_BYTES) * 8
		data.OutputBufferWriteOffset = outputOffset / XMA_OUTPUT_BYTES_PER_BLOCK
	}
}
