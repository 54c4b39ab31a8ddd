package model

import (
	"errors"
	"fmt"
	"time"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// QueuedMutation is one entry of the client's offline log.
// Create and update carry the full task; delete only carries TaskID.
// Original is the last server copy of the task, if the client had one, and
// is what the local store goes back to when the server refuses the change.
type QueuedMutation struct {
	Seq            uint64    `json:"seq"`
	Action         Action    `json:"action"`
	TaskID         int64     `json:"taskId"`
	Task           *Task     `json:"task,omitempty"`
	Original       *Task     `json:"original,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

func (m QueuedMutation) Validate() error {
	switch m.Action {
	case ActionCreate, ActionUpdate:
		if m.Task == nil {
			return fmt.Errorf("%s mutation without task", m.Action)
		}
		if m.Task.ID != m.TaskID {
			return fmt.Errorf("%s mutation task id %d does not match %d", m.Action, m.Task.ID, m.TaskID)
		}
		if m.Action == ActionUpdate && m.TaskID == 0 {
			return errors.New("update mutation without task id")
		}
	case ActionDelete:
		if m.TaskID == 0 {
			return errors.New("delete mutation without task id")
		}
	default:
		return fmt.Errorf("unknown action %q", m.Action)
	}
	return nil
}

// Rekey points the mutation at the server id assigned to a task that was
// created offline.
func (m *QueuedMutation) Rekey(from, to int64) bool {
	if m.TaskID != from {
		return false
	}
	m.TaskID = to
	if m.Task != nil {
		m.Task.ID = to
	}
	if m.Original != nil {
		m.Original.ID = to
	}
	return true
}
