package domain

// Task is the snapshot carried by created and updated events.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Summary   string `json:"summary,omitempty"`
}
