package model

type EventType string

const (
	EventTaskAdded   EventType = "TaskAdded"
	EventTaskUpdated EventType = "TaskUpdated"
	EventTaskDeleted EventType = "TaskDeleted"
)

func (e EventType) Valid() bool {
	switch e {
	case EventTaskAdded, EventTaskUpdated, EventTaskDeleted:
		return true
	}
	return false
}

type EventPayload struct {
	Task Task `json:"task"`
}

// SyncEvent is the only frame the server pushes over the websocket.
type SyncEvent struct {
	EventType EventType    `json:"eventType"`
	Payload   EventPayload `json:"payload"`
}

// Handshake is the first and only frame a client sends on the websocket.
type Handshake struct {
	Token string `json:"token"`
}
