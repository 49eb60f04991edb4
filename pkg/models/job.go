package models

// Task identifies one of the five per-item enrichment operations.
type Task string

// The five enrichment tasks. Each has its own work queue and its own
// per-item lock namespace.
const (
	TaskTranslation Task = "translation"
	TaskDescription Task = "description"
	TaskAllergen    Task = "allergen"
	TaskIngredient  Task = "ingredient"
	TaskSearchImage Task = "search_image"
)

// AllTasks lists every enrichment task in fan-out order.
var AllTasks = []Task{
	TaskTranslation,
	TaskDescription,
	TaskAllergen,
	TaskIngredient,
	TaskSearchImage,
}

// QueueName returns the bus list name for the task's work queue.
func (t Task) QueueName() string {
	return string(t) + "_queue"
}

// Valid reports whether t is one of the known enrichment tasks.
func (t Task) Valid() bool {
	switch t {
	case TaskTranslation, TaskDescription, TaskAllergen, TaskIngredient, TaskSearchImage:
		return true
	}
	return false
}

// Job is one enrichment work unit: every item of a session for one task.
type Job struct {
	TaskID    string           `json:"task_id"`
	Task      Task             `json:"task"`
	SessionID string           `json:"session_id"`
	Items     []ItemDescriptor `json:"items"`
}
