// signal.go - Wait primitives for the audio worker threads

package main

import "sync"

// WaitSet is a fixed group of manual-reset events that one waiter can
// block on as a unit. Events stay set until explicitly reset, so a signal
// that lands while the waiter is busy is not lost. Wait returns the
// lowest set index, which lets the client worker batch forward through
// consecutive ready slots the way the hardware wait list did.
type WaitSet struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  []bool
}

func NewWaitSet(n int) *WaitSet {
	ws := &WaitSet{set: make([]bool, n)}
	ws.cond = sync.NewCond(&ws.mu)
	return ws
}

// Event is one slot of a WaitSet.
type Event struct {
	ws    *WaitSet
	index int
}

func (ws *WaitSet) Event(index int) *Event {
	return &Event{ws: ws, index: index}
}

func (e *Event) Set() {
	e.ws.mu.Lock()
	e.ws.set[e.index] = true
	e.ws.mu.Unlock()
	e.ws.cond.Broadcast()
}

func (e *Event) Reset() {
	e.ws.mu.Lock()
	e.ws.set[e.index] = false
	e.ws.mu.Unlock()
}

// Poll reports whether the event is currently set, without blocking and
// without consuming it.
func (e *Event) Poll() bool {
	e.ws.mu.Lock()
	defer e.ws.mu.Unlock()
	return e.ws.set[e.index]
}

// Wait blocks until any event in the set is signaled and returns the
// lowest set index. The event is left set; the caller resets it.
func (ws *WaitSet) Wait() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for {
		for i, s := range ws.set {
			if s {
				return i
			}
		}
		ws.cond.Wait()
	}
}

// Fence is the decoder thread's wake condition. Any number of kicks
// coalesce into one pending signal; Wait consumes it. The decoder loop
// re-scans after every pass, so a wake that arrives mid-scan is picked up
// either by the coalesced signal or by the next scan.
type Fence struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
}

func NewFence() *Fence {
	f := &Fence{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fence) Signal() {
	f.mu.Lock()
	f.pending = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *Fence) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.pending {
		f.cond.Wait()
	}
	f.pending = false
}
