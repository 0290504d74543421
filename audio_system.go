// audio_system.go - XMA decoder array and audio client pump

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Total number of hardware XMA contexts.
	XMA_CONTEXT_COUNT = 320

	// MMIO register window of the audio coprocessor within guest memory.
	// Register addresses below are offsets into this window.
	AUDIO_MMIO_BASE = 0xEA0000
	AUDIO_MMIO_SIZE = 0x10000
	AUDIO_MMIO_END  = AUDIO_MMIO_BASE + AUDIO_MMIO_SIZE - 1

	// Rotating context-processing register. Reads cycle through context
	// indices so guest lock-acquisition loops never see a stuck value.
	REG_XMA_CURRENT_CONTEXT = 0x1818

	// Bitmask command ranges. Each spans 10 words of 32 context bits,
	// enough to address the full 320-slot array.
	REG_XMA_KICK_FIRST  = 0x1940
	REG_XMA_KICK_LAST   = REG_XMA_KICK_FIRST + 9*4
	REG_XMA_LOCK_FIRST  = 0x1A40
	REG_XMA_LOCK_LAST   = REG_XMA_LOCK_FIRST + 9*4
	REG_XMA_CLEAR_FIRST = 0x1A80
	REG_XMA_CLEAR_LAST  = REG_XMA_CLEAR_FIRST + 9*4

	// Logical audio clients pumped by the worker thread. One extra wait
	// slot past the client range is the worker's shutdown/wake signal.
	MAXIMUM_CLIENT_COUNT = 8

	// One rendered frame: 256 stereo sample pairs of 16-bit PCM.
	FRAME_SAMPLE_PAIRS = 256
	FRAME_CHANNELS     = 2
	FRAME_SIZE_BYTES   = FRAME_SAMPLE_PAIRS * FRAME_CHANNELS * 2

	// Idle backoff when the worker wakes without a ready client.
	WORKER_IDLE_SLEEP = 500 * time.Millisecond
)

// registerBitContext maps a bit of a bitmask command write onto a context
// index: bit position plus 32 contexts per word of range offset. Pure;
// shared by the kick, lock and clear decoders.
func registerBitContext(reg, first uint32, bit int) uint32 {
	return uint32(bit) + (reg-first)/4*32
}

// GuestInvoker executes a guest function on behalf of a worker thread.
// The audio system only ever passes one argument.
type GuestInvoker interface {
	Execute(callback uint32, arg uint32)
}

// AudioClient is one registered logical audio stream.
type AudioClient struct {
	driver             AudioDriver
	callback           uint32
	callbackArg        uint32
	wrappedCallbackArg uint32
}

// AudioSystem emulates the XMA decoder array behind its MMIO register
// window plus the per-client callback pump. One decoder thread walks the
// context pool on kicks; one worker thread waits on the client events and
// pumps guest callbacks.
type AudioSystem struct {
	memory  MemoryBus
	log     zerolog.Logger
	invoker GuestInvoker

	newDecoder DecoderFactory
	newDriver  DriverFactory

	// Coarse lock over the register file, the pool free state and the
	// client table. Never held across a decode pass or a guest callback.
	lock         sync.Mutex
	registerFile [AUDIO_MMIO_SIZE / 4]uint32

	contextArrayPtr uint32
	currentContext  uint32
	nextContext     uint32
	contexts        [XMA_CONTEXT_COUNT]XmaContext

	clients       [MAXIMUM_CLIENT_COUNT]AudioClient
	unusedClients []int
	waitSet       *WaitSet

	decoderFence   *Fence
	decoderRunning atomic.Bool
	decoderDone    chan struct{}

	workerRunning atomic.Bool
	workerDone    chan struct{}
}

// NewAudioSystem wires the system against its collaborators. Setup must
// be called before any register traffic.
func NewAudioSystem(memory MemoryBus, invoker GuestInvoker, newDecoder DecoderFactory, newDriver DriverFactory, log zerolog.Logger) *AudioSystem {
	sys := &AudioSystem{
		memory:       memory,
		log:          log.With().Str("c", "apu").Logger(),
		invoker:      invoker,
		newDecoder:   newDecoder,
		newDriver:    newDriver,
		waitSet:      NewWaitSet(MAXIMUM_CLIENT_COUNT + 1),
		decoderFence: NewFence(),
		decoderDone:  make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	for i := 0; i < MAXIMUM_CLIENT_COUNT; i++ {
		sys.unusedClients = append(sys.unusedClients, i)
	}
	return sys
}

// Setup allocates the guest-visible context array, initializes every
// slot with its persistent decoder, maps the MMIO window and starts both
// worker threads.
func (sys *AudioSystem) Setup() error {
	sys.contextArrayPtr = sys.memory.SystemHeapAlloc(XMA_CONTEXT_SIZE*XMA_CONTEXT_COUNT, 256)

	for i := XMA_CONTEXT_COUNT - 1; i >= 0; i-- {
		ptr := sys.contextArrayPtr + uint32(i)*XMA_CONTEXT_SIZE
		sys.contexts[i].Setup(uint32(i), sys.memory, ptr, sys.newDecoder(), sys.log)
	}
	sys.nextContext = 1

	sys.memory.MapIO(AUDIO_MMIO_BASE, AUDIO_MMIO_END,
		sys.mmioRead,
		sys.mmioWrite)

	sys.workerRunning.Store(true)
	go sys.workerThreadMain()

	sys.decoderRunning.Store(true)
	go sys.decoderThreadMain()

	sys.log.Info().
		Uint32("contexts", XMA_CONTEXT_COUNT).
		Uint32("array", sys.contextArrayPtr).
		Msg("audio system up")
	return nil
}

// Shutdown stops both threads, waits for them to exit, and only then
// frees the context array so neither thread touches freed guest memory.
func (sys *AudioSystem) Shutdown() {
	sys.workerRunning.Store(false)
	sys.waitSet.Event(MAXIMUM_CLIENT_COUNT).Set()
	<-sys.workerDone

	sys.decoderRunning.Store(false)
	sys.decoderFence.Signal()
	<-sys.decoderDone

	sys.lock.Lock()
	for i := range sys.clients {
		if sys.clients[i].driver != nil {
			sys.clients[i].driver.Close()
			sys.clients[i] = AudioClient{}
		}
	}
	sys.lock.Unlock()

	sys.memory.SystemHeapFree(sys.contextArrayPtr)
	sys.log.Info().Msg("audio system down")
}

// mmioRead and mmioWrite adapt the bus callbacks onto the register file.
// The bus delivers host-order words; guest order is already handled at
// the bus boundary.
func (sys *AudioSystem) mmioRead(addr uint32) uint32 {
	return sys.ReadRegister(addr - AUDIO_MMIO_BASE)
}

func (sys *AudioSystem) mmioWrite(addr uint32, value uint32) {
	sys.WriteRegister(addr-AUDIO_MMIO_BASE, value)
}

// ReadRegister returns the word at a register offset. The rotating
// context register is the one special case: every read advances it
// through context indices modulo the pool size, regardless of writes,
// so guest collision-detection heuristics never observe a stuck value.
func (sys *AudioSystem) ReadRegister(addr uint32) uint32 {
	r := addr & 0xFFFF

	sys.lock.Lock()
	defer sys.lock.Unlock()

	value := sys.registerFile[r/4]
	if r == REG_XMA_CURRENT_CONTEXT {
		sys.currentContext = sys.nextContext
		sys.nextContext = (sys.nextContext + 1) % XMA_CONTEXT_COUNT
		value = sys.currentContext
	}
	sys.log.Trace().Uint32("reg", r).Uint32("value", value).Msg("read register")
	return value
}

// WriteRegister stores the word, then decodes the command ranges: kick
// schedules contexts for decode, lock is accepted without further
// synchronization beyond the per-context locks, clear resets the
// addressed guest records.
func (sys *AudioSystem) WriteRegister(addr uint32, value uint32) {
	r := addr & 0xFFFF

	sys.lock.Lock()
	sys.registerFile[r/4] = value
	sys.lock.Unlock()

	sys.log.Trace().Uint32("reg", r).Uint32("value", value).Msg("write register")

	switch {
	case r >= REG_XMA_KICK_FIRST && r <= REG_XMA_KICK_LAST:
		for bit := 0; value != 0 && bit < 32; bit++ {
			if value&1 != 0 {
				sys.kickContext(registerBitContext(r, REG_XMA_KICK_FIRST, bit))
			}
			value >>= 1
		}
	case r >= REG_XMA_LOCK_FIRST && r <= REG_XMA_LOCK_LAST:
		for bit := 0; value != 0 && bit < 32; bit++ {
			if value&1 != 0 {
				// Accepted but inert: the per-context lock is the only
				// synchronization the model performs for lock requests.
				sys.log.Debug().
					Uint32("ctx", registerBitContext(r, REG_XMA_LOCK_FIRST, bit)).
					Msg("context lock requested")
			}
			value >>= 1
		}
	case r >= REG_XMA_CLEAR_FIRST && r <= REG_XMA_CLEAR_LAST:
		for bit := 0; value != 0 && bit < 32; bit++ {
			if value&1 != 0 {
				sys.clearContext(registerBitContext(r, REG_XMA_CLEAR_FIRST, bit))
			}
			value >>= 1
		}
	}
}

// kickContext marks one context's buffers ready and wakes the decoder.
// Kicking a context with no input pointer configured is legal; the valid
// flags just never assert and the decoder finds nothing to do.
func (sys *AudioSystem) kickContext(id uint32) {
	if id >= XMA_CONTEXT_COUNT {
		return
	}
	ctx := &sys.contexts[id]

	ctx.Block(false)
	raw := sys.memory.TranslatePhysical(ctx.GuestPtr())[:XMA_CONTEXT_SIZE]
	data := LoadXmaContextData(raw)

	sys.log.Debug().
		Uint32("ctx", id).
		Uint32("read_offset", data.InputBufferReadOffset).
		Uint32("packets", data.InputBuffer0PacketCount).
		Msg("kicking context")

	data.InputBuffer0Valid = 0
	if data.InputBuffer0Ptr != 0 {
		data.InputBuffer0Valid = 1
	}
	data.InputBuffer1Valid = 0
	if data.InputBuffer1Ptr != 0 {
		data.InputBuffer1Valid = 1
	}
	data.OutputBufferWriteOffset = 0

	data.Store(raw)
	ctx.Unblock()

	metricContextsKicked.Inc()
	sys.decoderFence.Signal()
}

// clearContext resets the addressed guest record. Decoder-side state is
// left alone here; a full wipe only happens on release.
func (sys *AudioSystem) clearContext(id uint32) {
	if id >= XMA_CONTEXT_COUNT {
		return
	}
	ctx := &sys.contexts[id]

	ctx.Block(false)
	raw := sys.memory.TranslatePhysical(ctx.GuestPtr())[:XMA_CONTEXT_SIZE]
	for i := range raw {
		raw[i] = 0
	}
	ctx.Unblock()

	sys.log.Debug().Uint32("ctx", id).Msg("cleared context")
}

// AllocateXmaContext hands out the first free slot's guest address, or 0
// when the pool is exhausted. Callers retry or fail; the pool never
// blocks or queues.
func (sys *AudioSystem) AllocateXmaContext() uint32 {
	sys.lock.Lock()
	defer sys.lock.Unlock()

	for i := 0; i < XMA_CONTEXT_COUNT; i++ {
		ctx := &sys.contexts[i]
		// The allocated flag is read by the decoder thread under the
		// context lock, so flipping it takes the same lock.
		ctx.Block(false)
		if !ctx.IsAllocated() {
			ctx.SetIsAllocated(true)
			ctx.Unblock()
			return ctx.GuestPtr()
		}
		ctx.Unblock()
	}
	return 0
}

// ReleaseXmaContext returns a slot to the pool, zeroing its record and
// discarding decoder state. Unknown addresses are a silent no-op.
func (sys *AudioSystem) ReleaseXmaContext(guestPtr uint32) {
	sys.lock.Lock()
	defer sys.lock.Unlock()

	for i := 0; i < XMA_CONTEXT_COUNT; i++ {
		ctx := &sys.contexts[i]
		if ctx.GuestPtr() == guestPtr {
			ctx.Release()
			return
		}
	}
}

// decoderThreadMain is the background decode loop: wait on the fence,
// then scan the pool until a full pass finds no work. Contended or
// unused slots are skipped without waiting so a context mid-allocation
// elsewhere never stalls the scan.
func (sys *AudioSystem) decoderThreadMain() {
	defer close(sys.decoderDone)

	for sys.decoderRunning.Load() {
		for sys.scanContexts() {
			if !sys.decoderRunning.Load() {
				return
			}
		}
		sys.decoderFence.Wait()
	}
}

// scanContexts walks the pool once and reports whether any context had
// pending work.
func (sys *AudioSystem) scanContexts() bool {
	worked := false
	for i := 0; i < XMA_CONTEXT_COUNT; i++ {
		ctx := &sys.contexts[i]
		if !ctx.Block(true) {
			// Someone else owns it this pass.
			continue
		}
		if !ctx.IsAllocated() {
			ctx.Unblock()
			continue
		}
		if ctx.Work() {
			worked = true
		}
		ctx.Unblock()
	}
	return worked
}

// workerThreadMain pumps guest callbacks for ready clients. A wake on
// the shutdown slot re-checks the running flag; a wake on a client slot
// pumps that client and then batches forward through consecutively ready
// slots before waiting again.
func (sys *AudioSystem) workerThreadMain() {
	defer close(sys.workerDone)

	for sys.workerRunning.Load() {
		index := sys.waitSet.Wait()
		if index == MAXIMUM_CLIENT_COUNT {
			sys.waitSet.Event(index).Reset()
			continue
		}

		pumped := 0
		for index < MAXIMUM_CLIENT_COUNT {
			event := sys.waitSet.Event(index)
			event.Reset()

			sys.lock.Lock()
			callback := sys.clients[index].callback
			callbackArg := sys.clients[index].wrappedCallbackArg
			sys.lock.Unlock()

			if callback != 0 {
				sys.invoker.Execute(callback, callbackArg)
			}
			pumped++

			index++
			if index >= MAXIMUM_CLIENT_COUNT || !sys.waitSet.Event(index).Poll() {
				break
			}
		}

		if !sys.workerRunning.Load() {
			return
		}
		if pumped == 0 {
			time.Sleep(WORKER_IDLE_SLEEP)
		}
	}
}

// RegisterClient creates a client slot with its own driver and wait
// event. The callback argument is wrapped in a guest allocation stored
// big-endian, which is what the stock guest callbacks expect to receive.
func (sys *AudioSystem) RegisterClient(callback, callbackArg uint32) (int, X_STATUS) {
	sys.lock.Lock()
	defer sys.lock.Unlock()

	if len(sys.unusedClients) == 0 {
		return 0, X_STATUS_NO_MORE_ENTRIES
	}
	index := sys.unusedClients[0]

	event := sys.waitSet.Event(index)
	event.Reset()

	driver, err := sys.newDriver(index, event)
	if err != nil {
		sys.log.Error().Err(err).Int("client", index).Msg("driver create failed")
		return 0, X_STATUS_UNSUCCESSFUL
	}

	sys.unusedClients = sys.unusedClients[1:]

	// Stored through the translated window, not the word API: MMIO
	// callbacks run under the bus lock and take sys.lock, so the reverse
	// order here would invert.
	ptr := sys.memory.SystemHeapAlloc(4, 4)
	binary.BigEndian.PutUint32(sys.memory.TranslatePhysical(ptr)[:4], callbackArg)

	sys.clients[index] = AudioClient{
		driver:             driver,
		callback:           callback,
		callbackArg:        callbackArg,
		wrappedCallbackArg: ptr,
	}
	sys.log.Debug().Int("client", index).Uint32("callback", callback).Msg("registered client")
	return index, X_STATUS_SUCCESS
}

// SubmitFrame hands one rendered frame to the client's driver and resets
// its wait event; the driver sets the event again when it wants the next
// frame.
func (sys *AudioSystem) SubmitFrame(index int, samplesPtr uint32) {
	sys.lock.Lock()
	driver := sys.clients[index].driver
	sys.lock.Unlock()

	if driver == nil {
		return
	}
	sys.waitSet.Event(index).Reset()
	driver.SubmitFrame(samplesPtr)
	metricFramesSubmitted.Inc()
}

// UnregisterClient tears the slot down and returns its index to the FIFO
// free queue.
func (sys *AudioSystem) UnregisterClient(index int) {
	sys.lock.Lock()
	defer sys.lock.Unlock()

	client := sys.clients[index]
	if client.driver != nil {
		client.driver.Close()
	}
	if client.wrappedCallbackArg != 0 {
		sys.memory.SystemHeapFree(client.wrappedCallbackArg)
	}
	sys.clients[index] = AudioClient{}
	sys.unusedClients = append(sys.unusedClients, index)
	sys.waitSet.Event(index).Reset()
	sys.log.Debug().Int("client", index).Msg("unregistered client")
}
