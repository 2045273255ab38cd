// types/types.go
package types

import (
	"fmt"
	"strings"
)

// Priority selects the lane a task waits in.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Priorities lists the lanes in drain order.
var Priorities = [...]Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority accepts the lane names; the empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, NewError(KindValidation, fmt.Sprintf("invalid priority %q", s))
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// 任务状态
type TaskStatus int

const (
	StatusQueued TaskStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	for st := StatusQueued; st <= StatusCancelled; st++ {
		if st.String() == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(b []byte) error {
	v, err := ParseTaskStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// BackendVariant names one of the interchangeable inference providers.
type BackendVariant string

const (
	BackendLocal   BackendVariant = "local"
	BackendBatched BackendVariant = "batched"
	BackendCluster BackendVariant = "cluster"
)

var BackendVariants = [...]BackendVariant{BackendLocal, BackendBatched, BackendCluster}

func (b BackendVariant) Valid() bool {
	switch b {
	case BackendLocal, BackendBatched, BackendCluster:
		return true
	}
	return false
}

func ParseBackendVariant(s string) (BackendVariant, error) {
	b := BackendVariant(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", NewError(KindValidation, fmt.Sprintf("unknown backend %q", s))
	}
	return b, nil
}
