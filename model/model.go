package model

import (
	"encoding/json"
	"time"
)

type MicrotaskStatus string

const (
	MicrotaskIncomplete MicrotaskStatus = "INCOMPLETE"
	MicrotaskCompleted  MicrotaskStatus = "COMPLETED"
)

type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "ASSIGNED"
	AssignmentSkipped   AssignmentStatus = "SKIPPED"
	AssignmentExpired   AssignmentStatus = "EXPIRED"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentVerified  AssignmentStatus = "VERIFIED"
)

// Counted reports whether the assignment occupies a slot of the
// microtask's redundancy quota. Abandoned assignments free their slot.
func (s AssignmentStatus) Counted() bool {
	return s != AssignmentSkipped && s != AssignmentExpired
}

// Submitted reports whether the worker has handed in a response.
func (s AssignmentStatus) Submitted() bool {
	return s == AssignmentCompleted || s == AssignmentVerified
}

type Task struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type Microtask struct {
	ID     string          `json:"id"`
	TaskID string          `json:"task_id"`
	Status MicrotaskStatus `json:"status"`
}

type MicrotaskAssignment struct {
	ID          string           `json:"id"`
	MicrotaskID string           `json:"microtask_id"`
	WorkerID    string           `json:"worker_id"`
	Status      AssignmentStatus `json:"status"`
	Output      json.RawMessage  `json:"output,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// PaymentsMeta is the payments section of a worker record.
type PaymentsMeta struct {
	ContactsID string `json:"contacts_id,omitempty"`
}

type Worker struct {
	ID           string       `json:"id"`
	PhoneNumber  string       `json:"phone_number"`
	PaymentsMeta PaymentsMeta `json:"payments_meta"`
}
