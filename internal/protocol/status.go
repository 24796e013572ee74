package protocol

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"gentrack/internal/domain"
)

var jobIDKeys = []string{"job_id", "jobId", "job"}

var messageKeys = []string{"message", "msg", "detail"}

// ParseStatus decodes a JSON status object and normalizes it.
func ParseStatus(data []byte) (StatusEvent, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %v", domain.ErrStatusParse, err)
	}
	if obj == nil {
		return StatusEvent{}, fmt.Errorf("%w: not a json object", domain.ErrStatusParse)
	}
	return NormalizeStatus(obj), nil
}

// NormalizeStatus maps the heterogeneous status fields used by the service
// onto one Kind. Failure signals win over completion, completion over
// progress.
func NormalizeStatus(obj map[string]any) StatusEvent {
	ev := StatusEvent{
		JobID:   firstString(obj, jobIDKeys...),
		Message: firstString(obj, messageKeys...),
		Stage:   stringField(obj, "stage"),
		Kind:    KindUnknown,
	}
	status := strings.ToLower(stringField(obj, "status"))
	_, hasStage := obj["stage"]

	switch {
	case status == "failed" || status == "error" || hasError(obj):
		ev.Kind = KindFailed
		if ev.Message == "" {
			ev.Message = errorText(obj["error"])
		}
	case status == "completed" || boolField(obj, "completed"):
		ev.Kind = KindCompleted
	case status == "started" || status == "processing" || status == "running" || (hasStage && obj["stage"] != nil):
		ev.Kind = KindStarted
	case status == "queued":
		ev.Kind = KindQueued
	}
	return ev
}

func hasError(obj map[string]any) bool {
	v, ok := obj["error"]
	if !ok || v == nil {
		return false
	}
	switch e := v.(type) {
	case string:
		return strings.TrimSpace(e) != ""
	case bool:
		return e
	default:
		return true
	}
}

func errorText(v any) string {
	switch e := v.(type) {
	case string:
		return strings.TrimSpace(e)
	case map[string]any:
		return firstString(e, messageKeys...)
	default:
		return ""
	}
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(obj, k); s != "" {
			return s
		}
	}
	return ""
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	default:
		return ""
	}
}

func boolField(obj map[string]any, key string) bool {
	b, ok := obj[key].(bool)
	return ok && b
}
