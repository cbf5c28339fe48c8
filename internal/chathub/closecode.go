package chathub

import "github.com/gorilla/websocket"

// CloseClass tells how a closed connection is cleaned up.
type CloseClass int

const (
	// Intentional closes are purged immediately.
	Intentional CloseClass = iota
	// NetworkInterruption closes are held for the grace period.
	NetworkInterruption
)

func (c CloseClass) String() string {
	if c == NetworkInterruption {
		return "network_interruption"
	}
	return "intentional"
}

var interruptionCodes = map[int]struct{}{
	websocket.CloseGoingAway:         {},
	websocket.CloseAbnormalClosure:   {},
	websocket.CloseInternalServerErr: {},
	websocket.CloseServiceRestart:    {},
	websocket.CloseTryAgainLater:     {},
	1014:                             {}, // bad gateway
	websocket.CloseTLSHandshake:      {},
}

// ClassifyClose maps a close code to its cleanup class. Only the code is
// inspected; reason is accepted so the heuristic can grow without
// touching callers.
func ClassifyClose(code int, reason string) CloseClass {
	if _, ok := interruptionCodes[code]; ok {
		return NetworkInterruption
	}
	return Intentional
}
