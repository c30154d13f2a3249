//go:build !windows

package sbx

// PeekMessage reports an empty queue; only windows threads have one.
func PeekMessage() (Message, bool) { return Message{}, false }
