package model

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Task is the wire and storage shape shared by the server and the clients.
// Pending is only ever set by a client; UserID never leaves the server.
type Task struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DueDate     Date     `json:"dueDate"`
	Priority    Priority `json:"priority"`
	Completed   bool     `json:"completed"`
	PhotoURL    *string  `json:"photoUrl,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Pending     bool     `json:"pending,omitempty"`
	UserID      int64    `json:"-"`
}

// IsLocal reports whether the task only exists on the client so far.
// Clients hand out negative ids to offline creates.
func (t Task) IsLocal() bool {
	return t.ID < 0
}

func (t Task) HasLocation() bool {
	return t.Latitude != nil && t.Longitude != nil
}

type TaskFilter struct {
	Search    string
	Completed *bool
	Skip      int
	Take      int
}

type TaskPage struct {
	Tasks      []Task `json:"tasks"`
	TotalTasks int    `json:"totalTasks"`
}
