package sbx

import "github.com/lxn/win"

// PeekMessage looks at the calling thread's queue without removing the
// message.
func PeekMessage() (Message, bool) {
	var msg win.MSG
	if !win.PeekMessage(&msg, 0, 0, 0, win.PM_NOREMOVE) {
		return Message{}, false
	}
	return Message{Window: uintptr(msg.HWnd), Msg: msg.Message, WParam: msg.WParam, LParam: msg.LParam}, true
}
