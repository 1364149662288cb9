package model

import "time"

// WorkflowRecord is one pipeline instance (one patent draft). The record
// itself is a thin shell; stage inputs and outputs live in named fields and
// per-stage TaskStates.
type WorkflowRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
