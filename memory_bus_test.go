// memory_bus_test.go - Tests for the guest memory bus and system heap

package main

import (
	"testing"
)

func TestSystemBus_Word_BigEndianAtBoundary(t *testing.T) {
	bus := NewSystemBus()

	bus.Write32(0x1000, 0xDEADBEEF)

	raw := bus.TranslatePhysical(0x1000)[:4]
	if raw[0] != 0xDE || raw[1] != 0xAD || raw[2] != 0xBE || raw[3] != 0xEF {
		t.Errorf("guest bytes = % X, want DE AD BE EF", raw)
	}

	if got := bus.Read32(0x1000); got != 0xDEADBEEF {
		t.Errorf("Read32 = 0x%08X, want 0xDEADBEEF", got)
	}
}

func TestSystemBus_TranslatePhysical_SharesBacking(t *testing.T) {
	bus := NewSystemBus()

	// Raw stores through the window must be visible to word reads.
	window := bus.TranslatePhysical(0x2000)
	window[0] = 0x12
	window[1] = 0x34
	window[2] = 0x56
	window[3] = 0x78

	if got := bus.Read32(0x2000); got != 0x12345678 {
		t.Errorf("Read32 = 0x%08X, want 0x12345678", got)
	}
}

func TestSystemBus_TranslatePhysical_OutOfRange(t *testing.T) {
	bus := NewSystemBus()

	if got := bus.TranslatePhysical(DEFAULT_MEMORY_SIZE); len(got) != 0 {
		t.Errorf("window past end of memory has %d bytes, want 0", len(got))
	}
	if got := bus.TranslatePhysical(0xFFFFFFF0); len(got) != 0 {
		t.Errorf("window far past end of memory has %d bytes, want 0", len(got))
	}
}

func TestSystemBus_MapIO_RoutesRegionTraffic(t *testing.T) {
	bus := NewSystemBus()

	var lastWriteAddr, lastWriteValue uint32
	bus.MapIO(0xEA0000, 0xEA0FFF,
		func(addr uint32) uint32 { return addr + 7 },
		func(addr uint32, value uint32) {
			lastWriteAddr = addr
			lastWriteValue = value
		})

	if got := bus.Read32(0xEA0010); got != 0xEA0017 {
		t.Errorf("mapped read = 0x%X, want 0x%X", got, 0xEA0017)
	}

	bus.Write32(0xEA0020, 42)
	if lastWriteAddr != 0xEA0020 || lastWriteValue != 42 {
		t.Errorf("mapped write saw (0x%X, %d), want (0xEA0020, 42)", lastWriteAddr, lastWriteValue)
	}

	// One past the region falls through to plain memory.
	bus.Write32(0xEA1000, 99)
	if got := bus.Read32(0xEA1000); got != 99 {
		t.Errorf("out-of-region write lost: got %d, want 99", got)
	}
}

func TestSystemBus_SystemHeap_AlignsAndZeroes(t *testing.T) {
	bus := NewSystemBus()

	addr := bus.SystemHeapAlloc(100, 256)
	if addr == 0 {
		t.Fatal("allocation failed")
	}
	if addr&(256-1) != 0 {
		t.Errorf("addr 0x%X not 256-byte aligned", addr)
	}

	// Dirty, free, reallocate: the block must come back zeroed.
	raw := bus.TranslatePhysical(addr)[:100]
	for i := range raw {
		raw[i] = 0xFF
	}
	bus.SystemHeapFree(addr)

	again := bus.SystemHeapAlloc(100, 256)
	if again != addr {
		t.Errorf("free block not reused: got 0x%X, want 0x%X", again, addr)
	}
	raw = bus.TranslatePhysical(again)[:100]
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d = 0x%02X after realloc, want 0", i, b)
		}
	}
}

func TestSystemBus_SystemHeap_ExhaustionReturnsZero(t *testing.T) {
	bus := NewSystemBus()

	if addr := bus.SystemHeapAlloc(2*SYSTEM_HEAP_SIZE, 4); addr != 0 {
		t.Errorf("oversized allocation returned 0x%X, want 0", addr)
	}
}

func TestSystemBus_SystemHeapFree_UnknownAddrIgnored(t *testing.T) {
	bus := NewSystemBus()

	bus.SystemHeapFree(0x12345) // must not panic or corrupt
	addr := bus.SystemHeapAlloc(16, 4)
	if addr == 0 {
		t.Fatal("allocation failed after spurious free")
	}
}
