// Command sbxhook-dll is the engine built as a c-shared library. Loading it
// into the game attaches the engine: hooks and patches are installed from
// the config file and the overlay is drawn on the game's Direct3D 9 device.
//
//	go build -buildmode=c-shared -o sbxhook.dll ./cmd/sbxhook-dll
package main

import "C"

func init() {
	// the loader lock is held while init runs
	go start()
}

func main() {}
