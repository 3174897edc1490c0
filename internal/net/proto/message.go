package proto

import (
	"time"

	"github.com/google/uuid"
)

const (
	// Version tracks the wire-protocol revision stamped on outbound messages.
	Version = "1.0"

	// ServerClientID identifies messages originated by the broadcast server.
	ServerClientID = "server"
)

// Metadata describes the sender of a message. Timestamp is wall-clock epoch
// milliseconds assigned at send time.
type Metadata struct {
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// Message is the wire envelope around a single command.
type Message struct {
	ID       string   `json:"id"`
	Command  Command  `json:"command"`
	Metadata Metadata `json:"metadata"`
}

var now = time.Now

// CreateMessage wraps cmd in a fresh envelope stamped with the current time.
func CreateMessage(cmd Command, clientID string) Message {
	return Message{
		ID:      uuid.NewString(),
		Command: cmd,
		Metadata: Metadata{
			ClientID:  clientID,
			Timestamp: now().UnixMilli(),
			Version:   Version,
		},
	}
}
