// object_table.go - Guest-visible kernel objects and the handle table

/*
Xenon Engine - Xbox 360 audio subsystem emulation
https://github.com/xenonproject/XenonEngine
License: GPLv3 or later
*/

package main

import "sync"

// X_STATUS is the guest-visible NT-style status word.
type X_STATUS uint32

const (
	X_STATUS_SUCCESS              X_STATUS = 0x00000000
	X_STATUS_PENDING              X_STATUS = 0x00000103
	X_STATUS_NO_MORE_ENTRIES      X_STATUS = 0x8000001A
	X_STATUS_UNSUCCESSFUL         X_STATUS = 0xC0000001
	X_STATUS_INFO_LENGTH_MISMATCH X_STATUS = 0xC0000004
	X_STATUS_INVALID_HANDLE       X_STATUS = 0xC0000008
	X_STATUS_NO_SUCH_FILE         X_STATUS = 0xC000000F
)

func XSucceeded(s X_STATUS) bool { return s>>30 == 0 }
func XFailed(s X_STATUS) bool    { return !XSucceeded(s) }

// ObjectTable maps guest handles onto host-side kernel objects. Handles
// are dense, monotonically increasing, and never reused within a run.
type ObjectTable struct {
	mutex      sync.Mutex
	nextHandle uint32
	objects    map[uint32]any
}

func NewObjectTable() *ObjectTable {
	return &ObjectTable{
		nextHandle: 0x100,
		objects:    make(map[uint32]any),
	}
}

func (t *ObjectTable) Add(obj any) uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	handle := t.nextHandle
	t.nextHandle += 4
	t.objects[handle] = obj
	return handle
}

func (t *ObjectTable) Remove(handle uint32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.objects, handle)
}

func (t *ObjectTable) lookup(handle uint32) any {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.objects[handle]
}

// LookupFile returns the file behind a handle, or nil when the handle is
// unknown or of another type.
func (t *ObjectTable) LookupFile(handle uint32) *XFile {
	file, _ := t.lookup(handle).(*XFile)
	return file
}

// LookupEvent returns the event behind a handle, or nil.
func (t *ObjectTable) LookupEvent(handle uint32) *XEvent {
	event, _ := t.lookup(handle).(*XEvent)
	return event
}

// XEvent is a guest manual-reset event. The synchronous I/O path resets
// it before an operation and sets it only after the status block is in
// guest memory, so a waiter observing the signal always sees completed
// state.
type XEvent struct {
	mutex    sync.Mutex
	cond     *sync.Cond
	signaled bool
}

func NewXEvent() *XEvent {
	e := &XEvent{}
	e.cond = sync.NewCond(&e.mutex)
	return e
}

func (e *XEvent) Set() {
	e.mutex.Lock()
	e.signaled = true
	e.mutex.Unlock()
	e.cond.Broadcast()
}

func (e *XEvent) Reset() {
	e.mutex.Lock()
	e.signaled = false
	e.mutex.Unlock()
}

func (e *XEvent) Signaled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.signaled
}

func (e *XEvent) Wait() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for !e.signaled {
		e.cond.Wait()
	}
}

// XFile is a guest file object: a handle-visible position over an opaque
// host file from the FileSystem collaborator.
type XFile struct {
	mutex    sync.Mutex
	name     string
	file     HostFile
	position uint64
}

func (f *XFile) Name() string { return f.name }

func (f *XFile) Position() uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.position
}

func (f *XFile) SetPosition(pos uint64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.position = pos
}
