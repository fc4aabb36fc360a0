package transport

import "github.com/ent0n29/voicebridge/internal/protocol"

// Event is one of Connected, Disconnected, Failed or Received.
type Event interface {
	event()
}

type Connected struct{}

// Disconnected follows every Connected. Err is nil for intentional closes.
type Disconnected struct {
	Err error
}

// Failed reports a dial failure or a send attempted while not connected.
type Failed struct {
	Err error
}

// Received carries one parsed relay message; switch on Message.Data.
type Received struct {
	Message protocol.Message
}

func (Connected) event()    {}
func (Disconnected) event() {}
func (Failed) event()       {}
func (Received) event()     {}
