// memory_bus.go - Guest physical memory bus for the Xenon Engine

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"sync"
)

const (
	DEFAULT_MEMORY_SIZE = 16 * 1024 * 1024
	PAGE_SIZE           = 0x100
	PAGE_MASK           = 0xFFFF00

	// System heap grows downward from the top of guest memory. Guest
	// programs never allocate up there; the kernel hands out fixed
	// regions (context arrays, wrapped callback args) from it.
	SYSTEM_HEAP_SIZE = 1 * 1024 * 1024
)

// MemoryBus is the addressable-memory service the audio subsystem and the
// kernel layer run against. All 32-bit word traffic is big-endian on the
// guest side and host-native on the caller side; the bus swaps at the
// boundary. TranslatePhysical hands out a host-visible window so devices
// can stream bulk data without paying the word-access lock per byte.
type MemoryBus interface {
	Read32(addr uint32) uint32
	Write32(addr uint32, value uint32)
	TranslatePhysical(addr uint32) []byte
	SystemHeapAlloc(size, align uint32) uint32
	SystemHeapFree(addr uint32)
	MapIO(start, end uint32, onRead func(addr uint32) uint32, onWrite func(addr uint32, value uint32))
	Reset()
}

type IORegion struct {
	start   uint32
	end     uint32
	onRead  func(addr uint32) uint32
	onWrite func(addr uint32, value uint32)
}

type heapBlock struct {
	addr uint32
	size uint32
}

// SystemBus implements MemoryBus over one contiguous block of guest
// memory. I/O regions are registered per page key so lookup on the hot
// path is a single map access.
type SystemBus struct {
	memory  []byte
	mutex   sync.RWMutex
	mapping map[uint32][]IORegion

	heapMutex sync.Mutex
	heapNext  uint32
	heapUsed  map[uint32]uint32 // addr -> size
	heapFree  []heapBlock
}

func NewSystemBus() *SystemBus {
	return &SystemBus{
		memory:   make([]byte, DEFAULT_MEMORY_SIZE),
		mapping:  make(map[uint32][]IORegion),
		heapNext: DEFAULT_MEMORY_SIZE - SYSTEM_HEAP_SIZE,
		heapUsed: make(map[uint32]uint32),
	}
}

func (bus *SystemBus) MapIO(start, end uint32, onRead func(addr uint32) uint32, onWrite func(addr uint32, value uint32)) {
	region := IORegion{
		start:   start,
		end:     end,
		onRead:  onRead,
		onWrite: onWrite,
	}
	firstPage := start & PAGE_MASK
	lastPage := end & PAGE_MASK
	for page := firstPage; page <= lastPage; page += PAGE_SIZE {
		bus.mapping[page] = append(bus.mapping[page], region)
	}
}

func (bus *SystemBus) Write32(addr uint32, value uint32) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	if regions, exists := bus.mapping[addr&PAGE_MASK]; exists {
		for _, region := range regions {
			if addr >= region.start && addr <= region.end && region.onWrite != nil {
				region.onWrite(addr, value)
				return
			}
		}
	}

	binary.BigEndian.PutUint32(bus.memory[addr:addr+4], value)
}

func (bus *SystemBus) Read32(addr uint32) uint32 {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	if regions, exists := bus.mapping[addr&PAGE_MASK]; exists {
		for _, region := range regions {
			if addr >= region.start && addr <= region.end && region.onRead != nil {
				return region.onRead(addr)
			}
		}
	}

	return binary.BigEndian.Uint32(bus.memory[addr : addr+4])
}

// TranslatePhysical returns the host window starting at addr, or nil
// for an address past the end of guest memory. Writes through the
// window are guest-order raw bytes; callers that need word semantics do
// their own swap (see XmaContextData.Load/Store).
func (bus *SystemBus) TranslatePhysical(addr uint32) []byte {
	if addr >= uint32(len(bus.memory)) {
		return nil
	}
	return bus.memory[addr:]
}

// SystemHeapAlloc carves size bytes (aligned up to align, minimum 4) out
// of the system heap and zeroes them. Returns 0 when the heap is
// exhausted. Freed blocks are reused first-fit.
func (bus *SystemBus) SystemHeapAlloc(size, align uint32) uint32 {
	if align < 4 {
		align = 4
	}
	if size == 0 {
		size = 4
	}
	size = (size + align - 1) &^ (align - 1)

	bus.heapMutex.Lock()
	defer bus.heapMutex.Unlock()

	for i, block := range bus.heapFree {
		if block.size >= size && block.addr&(align-1) == 0 {
			bus.heapFree = append(bus.heapFree[:i], bus.heapFree[i+1:]...)
			bus.heapUsed[block.addr] = block.size
			bus.zero(block.addr, block.size)
			return block.addr
		}
	}

	addr := (bus.heapNext + align - 1) &^ (align - 1)
	if addr+size > DEFAULT_MEMORY_SIZE {
		return 0
	}
	bus.heapNext = addr + size
	bus.heapUsed[addr] = size
	bus.zero(addr, size)
	return addr
}

// SystemHeapFree releases a block returned by SystemHeapAlloc. Unknown
// addresses are ignored, matching the hardware layer's tolerance for
// spurious guest commands.
func (bus *SystemBus) SystemHeapFree(addr uint32) {
	bus.heapMutex.Lock()
	defer bus.heapMutex.Unlock()

	size, ok := bus.heapUsed[addr]
	if !ok {
		return
	}
	delete(bus.heapUsed, addr)
	bus.heapFree = append(bus.heapFree, heapBlock{addr: addr, size: size})
}

func (bus *SystemBus) zero(addr, size uint32) {
	region := bus.memory[addr : addr+size]
	for i := range region {
		region[i] = 0
	}
}

func (bus *SystemBus) Reset() {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	for i := range bus.memory {
		bus.memory[i] = 0
	}
}
