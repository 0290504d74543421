// audio_driver_headless.go - Frame-counting driver for headless runs

package main

import "sync/atomic"

// AudioDriver is a per-client PCM sink. SubmitFrame consumes one
// rendered frame from guest memory; the driver sets the client's wait
// event whenever it is ready for another.
type AudioDriver interface {
	SubmitFrame(samplesPtr uint32)
	Close()
}

// DriverFactory builds the driver for a client slot at registration.
// The event is that client's wait handle in the worker's wait set.
type DriverFactory func(index int, ready *Event) (AudioDriver, error)

// HeadlessDriver swallows frames and is immediately hungry again. Used
// by tests and headless runs; mirrors the real driver's event protocol
// without touching an audio device.
type HeadlessDriver struct {
	ready  *Event
	frames atomic.Uint64
}

func HeadlessDriverFactory() DriverFactory {
	return func(index int, ready *Event) (AudioDriver, error) {
		return NewHeadlessDriver(ready), nil
	}
}

func NewHeadlessDriver(ready *Event) *HeadlessDriver {
	d := &HeadlessDriver{ready: ready}
	d.ready.Set()
	return d
}

func (d *HeadlessDriver) SubmitFrame(samplesPtr uint32) {
	d.frames.Add(1)
	d.ready.Set()
}

func (d *HeadlessDriver) FramesSubmitted() uint64 {
	return d.frames.Load()
}

func (d *HeadlessDriver) Close() {}
