package store

import "github.com/BuzzLyutic/task-sync/internal/model"

// Source names where a change to the local snapshot came from. Each source
// has its own merge rule, see Store.Apply.
type Source int

const (
	SourceRefresh Source = iota + 1
	SourceFetch
	SourceLocalEdit
	SourceRemoteEvent
	SourceConfirm
	SourceRevert
)

func (s Source) String() string {
	switch s {
	case SourceRefresh:
		return "refresh"
	case SourceFetch:
		return "fetch"
	case SourceLocalEdit:
		return "local_edit"
	case SourceRemoteEvent:
		return "remote_event"
	case SourceConfirm:
		return "confirm"
	case SourceRevert:
		return "revert"
	default:
		return "unknown"
	}
}

type Patch struct {
	Source Source
	// Tasks is the full server listing for SourceRefresh.
	Tasks []model.Task
	// Task is the record for every other source.
	Task   model.Task
	Delete bool
	// ReplacesID is the temporary id a confirmed create supersedes.
	ReplacesID int64
	// KeepLocal moves the local record from ReplacesID to Task.ID without
	// clearing its pending flag or content.
	KeepLocal bool
}

// Refresh replaces the snapshot with a server listing.
func Refresh(tasks []model.Task) Patch {
	return Patch{Source: SourceRefresh, Tasks: tasks}
}

// Fetched stores a single task read from the server.
func Fetched(t model.Task) Patch {
	return Patch{Source: SourceFetch, Task: t}
}

func LocalEdit(t model.Task) Patch {
	return Patch{Source: SourceLocalEdit, Task: t}
}

func LocalDelete(id int64) Patch {
	return Patch{Source: SourceLocalEdit, Task: model.Task{ID: id}, Delete: true}
}

func RemoteEvent(ev model.SyncEvent) Patch {
	return Patch{
		Source: SourceRemoteEvent,
		Task:   ev.Payload.Task,
		Delete: ev.EventType == model.EventTaskDeleted,
	}
}

// Confirm records the server's copy of a task the client wrote.
func Confirm(t model.Task, replacesID int64) Patch {
	return Patch{Source: SourceConfirm, Task: t, ReplacesID: replacesID}
}

func ConfirmDelete(id int64) Patch {
	return Patch{Source: SourceConfirm, Task: model.Task{ID: id}, Delete: true}
}

// Rekey moves a pending record to its server id and keeps it pending.
func Rekey(fromID, toID int64) Patch {
	return Patch{Source: SourceConfirm, Task: model.Task{ID: toID}, ReplacesID: fromID, KeepLocal: true}
}

// Revert restores the last server-authoritative copy of a task.
func Revert(t model.Task) Patch {
	return Patch{Source: SourceRevert, Task: t}
}

// Discard drops a record the server refused to create.
func Discard(id int64) Patch {
	return Patch{Source: SourceRevert, Task: model.Task{ID: id}, Delete: true}
}
