// audio_system_test.go - Tests for the decoder array behind the register window

package main

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// recordingInvoker captures guest callback invocations for inspection.
type recordingInvoker struct {
	calls chan [2]uint32
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{calls: make(chan [2]uint32, 64)}
}

func (inv *recordingInvoker) Execute(callback, arg uint32) {
	inv.calls <- [2]uint32{callback, arg}
}

// newTestAudioSystem brings up a full system over a fresh bus with the
// headless driver and the given codec, torn down with the test.
func newTestAudioSystem(t *testing.T, newDecoder DecoderFactory) (*AudioSystem, *SystemBus, *recordingInvoker) {
	t.Helper()
	bus := NewSystemBus()
	inv := newRecordingInvoker()
	sys := NewAudioSystem(bus, inv, newDecoder, HeadlessDriverFactory(), NopLogger())
	if err := sys.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(sys.Shutdown)
	return sys, bus, inv
}

func TestAudioSystem_AllocateAllContexts(t *testing.T) {
	sys, _, _ := newTestAudioSystem(t, NewNullDecoder)

	seen := make(map[uint32]bool)
	for i := 0; i < XMA_CONTEXT_COUNT; i++ {
		ptr := sys.AllocateXmaContext()
		if ptr == 0 {
			t.Fatalf("allocation %d failed with pool not exhausted", i)
		}
		if seen[ptr] {
			t.Fatalf("allocation %d returned duplicate ptr 0x%X", i, ptr)
		}
		seen[ptr] = true
	}

	if ptr := sys.AllocateXmaContext(); ptr != 0 {
		t.Errorf("exhausted pool returned 0x%X, want 0", ptr)
	}
}

func TestAudioSystem_ConcurrentAllocationIsUnique(t *testing.T) {
	sys, _, _ := newTestAudioSystem(t, NewNullDecoder)

	const workers = 8
	results := make(chan uint32, XMA_CONTEXT_COUNT+workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			for {
				ptr := sys.AllocateXmaContext()
				results <- ptr
				if ptr == 0 {
					return
				}
			}
		})
	}
	wg.Wait()
	close(results)

	seen := make(map[uint32]bool)
	allocated := 0
	for ptr := range results {
		if ptr == 0 {
			continue
		}
		if seen[ptr] {
			t.Fatalf("ptr 0x%X handed out twice", ptr)
		}
		seen[ptr] = true
		allocated++
	}
	if allocated != XMA_CONTEXT_COUNT {
		t.Errorf("allocated %d contexts, want %d", allocated, XMA_CONTEXT_COUNT)
	}
}

func TestAudioSystem_ReleaseRecyclesSlot(t *testing.T) {
	sys, _, _ := newTestAudioSystem(t, NewNullDecoder)

	first := sys.AllocateXmaContext()
	second := sys.AllocateXmaContext()
	if first == 0 || second == 0 {
		t.Fatal("allocation failed")
	}

	sys.ReleaseXmaContext(first)
	if again := sys.AllocateXmaContext(); again != first {
		t.Errorf("released slot not recycled: got 0x%X, want 0x%X", again, first)
	}
}

func TestAudioSystem_ReleaseUnknownPtrIgnored(t *testing.T) {
	sys, _, _ := newTestAudioSystem(t, NewNullDecoder)

	sys.ReleaseXmaContext(0xDEAD0000) // must be a silent no-op
	if ptr := sys.AllocateXmaContext(); ptr == 0 {
		t.Error("allocation failed after spurious release")
	}
}

func TestAudioSystem_RotatingContextRegister(t *testing.T) {
	_, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	// Every read advances, starting from 1 and wrapping at the pool size.
	for i := 0; i < 2*XMA_CONTEXT_COUNT; i++ {
		want := uint32(i+1) % XMA_CONTEXT_COUNT
		got := bus.Read32(AUDIO_MMIO_BASE + REG_XMA_CURRENT_CONTEXT)
		if got != want {
			t.Fatalf("read %d = %d, want %d", i, got, want)
		}
	}
}

func TestAudioSystem_RotatingRegisterIgnoresWrites(t *testing.T) {
	_, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	bus.Read32(AUDIO_MMIO_BASE + REG_XMA_CURRENT_CONTEXT) // 1
	bus.Write32(AUDIO_MMIO_BASE+REG_XMA_CURRENT_CONTEXT, 200)
	if got := bus.Read32(AUDIO_MMIO_BASE + REG_XMA_CURRENT_CONTEXT); got != 2 {
		t.Errorf("read after write = %d, want 2 (rotation unaffected)", got)
	}
}

func TestAudioSystem_PlainRegisterReadsBackWrites(t *testing.T) {
	_, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	bus.Write32(AUDIO_MMIO_BASE+0x1234, 0x5678)
	if got := bus.Read32(AUDIO_MMIO_BASE + 0x1234); got != 0x5678 {
		t.Errorf("register readback = 0x%X, want 0x5678", got)
	}
}

// contextSlot resolves an allocated guest ptr to its pool index and the
// register/bit pair that addresses it in the bitmask command ranges.
func contextSlot(sys *AudioSystem, guestPtr uint32) (id uint32, word uint32, bit uint32) {
	id = (guestPtr - sys.contextArrayPtr) / XMA_CONTEXT_SIZE
	return id, id / 32 * 4, id % 32
}

// Record access from the test races the decoder thread's scans unless it
// holds the context lock like every real caller does.
func storeRecord(sys *AudioSystem, id uint32, data XmaContextData) {
	ctx := &sys.contexts[id]
	ctx.Block(false)
	data.Store(sys.memory.TranslatePhysical(ctx.GuestPtr())[:XMA_CONTEXT_SIZE])
	ctx.Unblock()
}

func loadRecord(sys *AudioSystem, id uint32) XmaContextData {
	ctx := &sys.contexts[id]
	ctx.Block(false)
	defer ctx.Unblock()
	return LoadXmaContextData(sys.memory.TranslatePhysical(ctx.GuestPtr())[:XMA_CONTEXT_SIZE])
}

func fillRecord(sys *AudioSystem, id uint32, fill byte) {
	ctx := &sys.contexts[id]
	ctx.Block(false)
	raw := sys.memory.TranslatePhysical(ctx.GuestPtr())[:XMA_CONTEXT_SIZE]
	for i := range raw {
		raw[i] = fill
	}
	ctx.Unblock()
}

func recordBytes(sys *AudioSystem, id uint32) [XMA_CONTEXT_SIZE]byte {
	ctx := &sys.contexts[id]
	ctx.Block(false)
	defer ctx.Unblock()
	var out [XMA_CONTEXT_SIZE]byte
	copy(out[:], sys.memory.TranslatePhysical(ctx.GuestPtr())[:XMA_CONTEXT_SIZE])
	return out
}

func TestAudioSystem_KickDecodesThroughRegisters(t *testing.T) {
	sys, bus, _ := newTestAudioSystem(t, func() PacketDecoder {
		return &blockDecoder{bytesPerPacket: 512, fill: 0xAA}
	})

	// Land on a context addressed by the second kick word.
	var ptr uint32
	for i := 0; i < 34; i++ {
		ptr = sys.AllocateXmaContext()
	}
	id, word, bit := contextSlot(sys, ptr)
	if id != 33 || word != 4 || bit != 1 {
		t.Fatalf("slot mapping = (%d, %d, %d), want (33, 4, 1)", id, word, bit)
	}

	inPtr := bus.SystemHeapAlloc(2*XMA_BYTES_PER_PACKET, 256)
	outPtr := bus.SystemHeapAlloc(2*XMA_OUTPUT_BYTES_PER_BLOCK, 256)

	storeRecord(sys, id, XmaContextData{
		InputBuffer0PacketCount: 2,
		InputBuffer0Ptr:         inPtr,
		OutputBufferBlockCount:  2,
		OutputBufferPtr:         outPtr,
		InputBufferReadOffset:   XMA_PACKET_HEADER_BYTES * 8,
		IsStereo:                1,
	})

	bus.Write32(AUDIO_MMIO_BASE+REG_XMA_KICK_FIRST+word, 1<<bit)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := loadRecord(sys, id)
		if got.OutputBufferWriteOffset == 2 {
			wantReadOffset := uint32(XMA_BYTES_PER_PACKET+XMA_PACKET_HEADER_BYTES) * 8
			if got.InputBufferReadOffset != wantReadOffset {
				t.Errorf("read offset = %d bits, want %d", got.InputBufferReadOffset, wantReadOffset)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("decode did not complete: write offset = %d", got.OutputBufferWriteOffset)
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := bus.TranslatePhysical(outPtr)[:2*XMA_OUTPUT_BYTES_PER_BLOCK]
	for i, b := range out {
		if b != 0xAA {
			t.Fatalf("output byte %d = 0x%02X, want 0xAA", i, b)
		}
	}
}

func TestAudioSystem_KickWithoutInputPtrIsLegal(t *testing.T) {
	sys, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	ptr := sys.AllocateXmaContext()
	id, word, bit := contextSlot(sys, ptr)

	// No pointers configured: the kick must not assert any valid flag.
	bus.Write32(AUDIO_MMIO_BASE+REG_XMA_KICK_FIRST+word, 1<<bit)

	data := loadRecord(sys, id)
	if data.InputBuffer0Valid != 0 || data.InputBuffer1Valid != 0 {
		t.Error("kick with zero pointers asserted a valid flag")
	}
}

func TestAudioSystem_ClearRegisterZeroesRecord(t *testing.T) {
	sys, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	ptr := sys.AllocateXmaContext()
	id, word, bit := contextSlot(sys, ptr)

	fillRecord(sys, id, 0xEE)
	bus.Write32(AUDIO_MMIO_BASE+REG_XMA_CLEAR_FIRST+word, 1<<bit)

	raw := recordBytes(sys, id)
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("record byte %d = 0x%02X after clear, want 0", i, b)
		}
	}
}

func TestAudioSystem_LockRegisterIsInert(t *testing.T) {
	sys, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	ptr := sys.AllocateXmaContext()
	id, word, bit := contextSlot(sys, ptr)

	// No valid flags: the decoder scan leaves the record alone, so any
	// change after the lock write would come from the lock path itself.
	want := XmaContextData{
		InputBuffer0PacketCount: 5,
		LoopCount:               3,
		InputBufferReadOffset:   1234,
		InputBuffer0Ptr:         0x8000,
		OutputBufferBlockCount:  4,
	}
	storeRecord(sys, id, want)

	bus.Write32(AUDIO_MMIO_BASE+REG_XMA_LOCK_FIRST+word, 1<<bit)

	if diff := cmp.Diff(want, loadRecord(sys, id)); diff != "" {
		t.Errorf("record changed by lock request (-want +got):\n%s", diff)
	}
}

func TestAudioSystem_KickTouchesOnlyTargetContext(t *testing.T) {
	sys, bus, _ := newTestAudioSystem(t, func() PacketDecoder {
		return &blockDecoder{bytesPerPacket: 512, fill: 0xAA}
	})

	target := sys.AllocateXmaContext()
	neighbour := sys.AllocateXmaContext()
	targetID, word, bit := contextSlot(sys, target)
	neighbourID, _, _ := contextSlot(sys, neighbour)

	targetIn := bus.SystemHeapAlloc(2*XMA_BYTES_PER_PACKET, 256)
	targetOut := bus.SystemHeapAlloc(2*XMA_OUTPUT_BYTES_PER_BLOCK, 256)
	neighbourOut := bus.SystemHeapAlloc(2*XMA_OUTPUT_BYTES_PER_BLOCK, 256)

	storeRecord(sys, targetID, XmaContextData{
		InputBuffer0PacketCount: 2,
		InputBuffer0Ptr:         targetIn,
		OutputBufferBlockCount:  2,
		OutputBufferPtr:         targetOut,
		InputBufferReadOffset:   XMA_PACKET_HEADER_BYTES * 8,
		IsStereo:                1,
	})
	// The neighbour is fully configured too; only the kicked bit's
	// context may change.
	neighbourRecord := XmaContextData{
		InputBuffer0PacketCount: 2,
		InputBuffer0Ptr:         targetIn,
		OutputBufferBlockCount:  2,
		OutputBufferPtr:         neighbourOut,
		InputBufferReadOffset:   XMA_PACKET_HEADER_BYTES * 8,
		IsStereo:                1,
	}
	storeRecord(sys, neighbourID, neighbourRecord)

	bus.Write32(AUDIO_MMIO_BASE+REG_XMA_KICK_FIRST+word, 1<<bit)

	deadline := time.Now().Add(2 * time.Second)
	for loadRecord(sys, targetID).OutputBufferWriteOffset != 2 {
		if time.Now().After(deadline) {
			t.Fatal("target context did not decode")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if diff := cmp.Diff(neighbourRecord, loadRecord(sys, neighbourID)); diff != "" {
		t.Errorf("neighbour record changed by kick (-want +got):\n%s", diff)
	}
	out := bus.TranslatePhysical(neighbourOut)[:2*XMA_OUTPUT_BYTES_PER_BLOCK]
	for i, b := range out {
		if b != 0 {
			t.Fatalf("neighbour output byte %d = 0x%02X, want 0", i, b)
		}
	}
}

func TestAudioSystem_KickBitsPastPoolIgnored(t *testing.T) {
	_, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	// The last kick word covers contexts 288-319 in its low bits; the
	// high bits address nothing and must be dropped.
	bus.Write32(AUDIO_MMIO_BASE+REG_XMA_KICK_FIRST+9*4, 0xFFFFFFFF)
}

// TestAudioSystem_ConcurrentRegisterTraffic stresses register reads and
// bitmask writes against allocate/release churn. No assertions - the
// race detector is the oracle.
// Run with: go test -race -run TestAudioSystem_ConcurrentRegisterTraffic -count=1
func TestAudioSystem_ConcurrentRegisterTraffic(t *testing.T) {
	sys, bus, _ := newTestAudioSystem(t, NewNullDecoder)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Go(func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			bus.Read32(AUDIO_MMIO_BASE + REG_XMA_CURRENT_CONTEXT)
		}
	})

	wg.Go(func() {
		word := uint32(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			bus.Write32(AUDIO_MMIO_BASE+REG_XMA_KICK_FIRST+word, 0xFFFFFFFF)
			word = (word + 4) % 40
		}
	})

	wg.Go(func() {
		var held []uint32
		for {
			select {
			case <-stop:
				for _, ptr := range held {
					sys.ReleaseXmaContext(ptr)
				}
				return
			default:
			}
			if len(held) < 64 {
				if ptr := sys.AllocateXmaContext(); ptr != 0 {
					held = append(held, ptr)
				}
			} else {
				sys.ReleaseXmaContext(held[0])
				held = held[1:]
			}
		}
	})

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
}
