package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StatusNamespace prefixes the URI form of a status value.
const StatusNamespace = "http://mu.semte.ch/vocabularies/ext/status#"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists every allowed edge of the job lifecycle.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusDone, StatusFailed},
}

// ParseStatus accepts both the plain value ("done") and the URI form
// ("http://mu.semte.ch/vocabularies/ext/status#done").
func ParseStatus(raw string) (Status, error) {
	value := strings.TrimSpace(raw)
	if i := strings.LastIndex(value, "#"); i >= 0 {
		value = value[i+1:]
	}
	status := Status(strings.ToLower(value))
	if !status.Valid() {
		return "", fmt.Errorf("unknown job status: %q", raw)
	}
	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s Status) URI() string {
	return StatusNamespace + string(s)
}

func (s Status) String() string {
	return string(s)
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns to if the edge from s to to exists.
func (s Status) Transition(to Status) (Status, error) {
	if !CanTransition(s, to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
	}
	return to, nil
}

type Job struct {
	ID        string
	Graph     string
	TaskType  string
	SourceRef string
	Status    Status
	ResultRef string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j Job) HasResult() bool {
	return j.ResultRef != ""
}

// File is a logical file record mapping an identifier to a physical location.
type File struct {
	ID        string
	Graph     string
	Name      string
	Location  string
	CreatedAt time.Time
}

type CreateJobRequest struct {
	TaskType  string `json:"task_type"`
	SourceRef string `json:"source_ref"`
}

type RegisterFileRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.TaskType) == "" {
		return errors.New("task_type is required")
	}
	if strings.TrimSpace(r.SourceRef) == "" {
		return errors.New("source_ref is required")
	}
	return nil
}

func (r RegisterFileRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	location := strings.TrimSpace(r.Location)
	if location == "" {
		return errors.New("location is required")
	}
	if strings.Contains(location, "://") && !hasKnownScheme(location) {
		return fmt.Errorf("unsupported location scheme: %s", r.Location)
	}
	return nil
}

func hasKnownScheme(location string) bool {
	for _, scheme := range []string{"share://", "s3://", "file://"} {
		if strings.HasPrefix(location, scheme) {
			return true
		}
	}
	return false
}
