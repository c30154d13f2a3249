package sbx

import (
	"sync"

	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
)

const wmMouseMove = 0x0200

// Message is a message waiting in a thread's queue. Window is zero for
// thread messages.
type Message struct {
	Window uintptr
	Msg    uint32
	WParam uintptr
	LParam uintptr
}

// PeekFunc returns the next message of the calling thread's queue without
// removing it.
type PeekFunc func() (Message, bool)

// MessageTracer logs the messages pending each time a message loop pumps
// its queue. Its probe runs on the loop's thread.
type MessageTracer struct {
	loop string
	peek PeekFunc
	log  logflags.Logger

	mu     sync.Mutex
	seen   int
	recent []Message
}

const maxRecentMessages = 32

// NewMessageTracer traces the loop named loop, reading its queue with peek.
func NewMessageTracer(loop string, peek PeekFunc) *MessageTracer {
	return &MessageTracer{loop: loop, peek: peek, log: logflags.GameLogger()}
}

// Observe peeks at the queue and logs the waiting message, if any. Mouse
// moves are not logged.
func (t *MessageTracer) Observe() (Message, bool) {
	m, ok := t.peek()
	if !ok {
		return Message{}, false
	}
	switch {
	case m.Window == 0:
		t.log.Infof("[%s] ThreadMessage %#x, wParam %#x, lParam %#x", t.loop, m.Msg, m.WParam, m.LParam)
	case m.Msg == wmMouseMove:
		return m, false
	default:
		t.log.Infof("[%s] Message %#x to window %#x, wParam %#x, lParam %#x", t.loop, m.Msg, m.Window, m.WParam, m.LParam)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen++
	if len(t.recent) == maxRecentMessages {
		t.recent = t.recent[1:]
	}
	t.recent = append(t.recent, m)
	return m, true
}

// Probe is the callback of the loop probe.
func (t *MessageTracer) Probe(intercept.Registers) { t.Observe() }

// Seen returns the number of messages logged so far.
func (t *MessageTracer) Seen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen
}

// Recent returns the messages logged most recently, oldest first.
func (t *MessageTracer) Recent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.recent...)
}
