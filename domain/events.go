package domain

const (
	TaskCreated = "task.created"
	TaskUpdated = "task.updated"
	TaskDeleted = "task.deleted"
)

// Envelope is the wire record published to both the work queue and the stream.
type Envelope struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Task   *Task  `json:"task,omitempty"`
	TaskID string `json:"taskId,omitempty"`
	At     string `json:"at,omitempty"`
}

// Known reports whether the event type is one of the task lifecycle events.
func (e Envelope) Known() bool {
	switch e.Type {
	case TaskCreated, TaskUpdated, TaskDeleted:
		return true
	}
	return false
}

// Created builds a task.created envelope for the given subject.
func Created(userID string, t Task) Envelope {
	return Envelope{Type: TaskCreated, UserID: userID, Task: &t}
}

// Updated builds a task.updated envelope for the given subject.
func Updated(userID string, t Task) Envelope {
	return Envelope{Type: TaskUpdated, UserID: userID, Task: &t}
}

// Deleted builds a task.deleted envelope for the given subject.
func Deleted(userID, taskID string) Envelope {
	return Envelope{Type: TaskDeleted, UserID: userID, TaskID: taskID}
}
