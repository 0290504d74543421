//go:build headless

// audio_driver_stub.go - OTO driver stub for headless builds

package main

import "errors"

// OtoDriverFactory is unavailable in headless builds; selecting the oto
// backend falls back to an error at client registration.
func OtoDriverFactory(memory MemoryBus) DriverFactory {
	return func(index int, ready *Event) (AudioDriver, error) {
		return nil, errors.New("oto backend not compiled in (headless build)")
	}
}
