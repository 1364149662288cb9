package model

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// StepID builds the identifier for one admitted run of a stage:
// {record}-{prefix}-{seq}. The sequence is the stage's run count, so ids never
// repeat within a record's history and sort in admission order.
func StepID(recordID, prefix string, seq int) string {
	return fmt.Sprintf("%s-%s-%03d", recordID, prefix, seq)
}

// StepIDPrefix strips the trailing sequence from a step id. All runs of a
// stage on a record share this prefix; artifact replacement matches on it to
// delete superseded generations.
func StepIDPrefix(stepID string) string {
	i := strings.LastIndex(stepID, "-")
	if i < 0 {
		return stepID
	}
	return stepID[:i]
}
