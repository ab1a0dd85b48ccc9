package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// Kind is the coarse classification of a runner payload.
type Kind string

const (
	KindPending   Kind = "pending"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
)

// Outcome is the classification of one runner payload.
type Outcome struct {
	Kind      Kind
	Cancelled bool
	Reason    string
	// Status is the raw status string, when the payload carried one.
	Status string
	Output any
}

// Candidate fields, as dotted paths into the payload. Workers are not under our
// control, so every shape seen in the wild is listed here and nowhere else.
var (
	errorPaths = []string{
		"error",
		"output.error",
		"result.error",
		"result.output.error",
		"output.output.error",
	}
	statusPaths = []string{
		"status",
		"state",
		"result.status",
		"output.status",
	}
	outputPaths = []string{
		"output",
		"result.output",
		"result",
	}

	failureMarkers = []string{"fail", "error", "timed_out", "timeout"}
	successMarkers = []string{"completed", "succeeded", "success", "done"}
	runningMarkers = []string{"progress", "running", "processing", "started"}
)

// Classify decides whether a payload reports success, failure or neither.
// Every status field is inspected: any error field, or any status naming a
// failure or cancellation, wins over success markers. Without any status, a
// non-null output counts as success.
func Classify(p Payload) Outcome {
	var out Outcome
	var statuses []string
	for _, path := range statusPaths {
		if s, ok := lookup(p, path).(string); ok && strings.TrimSpace(s) != "" {
			if out.Status == "" {
				out.Status = s
			}
			statuses = append(statuses, s)
		}
	}
	for _, s := range statuses {
		if strings.Contains(strings.ToLower(s), "cancel") {
			out.Cancelled = true
		}
	}

	for _, path := range errorPaths {
		if v := lookup(p, path); present(v) {
			out.Kind = KindFailed
			out.Reason = describe(v)
			return out
		}
	}

	if out.Cancelled {
		out.Kind = KindFailed
		out.Reason = "cancelled"
		return out
	}
	for _, s := range statuses {
		if containsAny(strings.ToLower(s), failureMarkers) {
			out.Kind = KindFailed
			out.Reason = s
			return out
		}
	}

	output := firstPresent(p, outputPaths)
	succeeded := len(statuses) == 0 && output != nil
	for _, s := range statuses {
		if containsAny(strings.ToLower(s), successMarkers) {
			succeeded = true
		}
	}
	if succeeded {
		out.Kind = KindSucceeded
		out.Output = output
		return out
	}

	out.Kind = KindPending
	return out
}

// JobState maps the outcome onto the persisted job state.
func (o Outcome) JobState() string {
	switch o.Kind {
	case KindSucceeded:
		return models.JobStateSucceeded
	case KindFailed:
		if o.Cancelled {
			return models.JobStateCancelled
		}
		return models.JobStateFailed
	}
	if containsAny(strings.ToLower(o.Status), runningMarkers) {
		return models.JobStateRunning
	}
	return models.JobStateQueued
}

// Terminal reports whether no further polling is needed.
func (o Outcome) Terminal() bool {
	return o.Kind != KindPending
}

func lookup(p Payload, path string) any {
	var cur any = map[string]any(p)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[key]; !ok {
			return nil
		}
	}
	return cur
}

func firstPresent(p Payload, paths []string) any {
	for _, path := range paths {
		if v := lookup(p, path); v != nil {
			return v
		}
	}
	return nil
}

// present treats null, false, empty strings and empty containers as absent.
func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return strings.TrimSpace(t) != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if msg, ok := t["message"].(string); ok && msg != "" {
			return msg
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
