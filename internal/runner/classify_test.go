package runner

import (
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/ticketgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, raw string) Payload {
	t.Helper()
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		kind      Kind
		cancelled bool
		reason    string
		state     string
	}{
		{"queued", `{"id":"j","status":"IN_QUEUE"}`, KindPending, false, "", models.JobStateQueued},
		{"in progress", `{"id":"j","status":"IN_PROGRESS"}`, KindPending, false, "", models.JobStateRunning},
		{"completed", `{"status":"COMPLETED","output":{"images":["a"]}}`, KindSucceeded, false, "", models.JobStateSucceeded},
		{"succeeded state field", `{"state":"succeeded","output":"x"}`, KindSucceeded, false, "", models.JobStateSucceeded},
		{"bare output", `{"output":{"audio_url":"https://x"}}`, KindSucceeded, false, "", models.JobStateSucceeded},
		{"null output", `{"output":null}`, KindPending, false, "", models.JobStateQueued},
		{"failed status", `{"status":"FAILED"}`, KindFailed, false, "FAILED", models.JobStateFailed},
		{"timed out", `{"status":"TIMED_OUT"}`, KindFailed, false, "TIMED_OUT", models.JobStateFailed},
		{"cancelled", `{"status":"CANCELLED"}`, KindFailed, true, "cancelled", models.JobStateCancelled},
		{"top-level error", `{"status":"COMPLETED","error":"oom"}`, KindFailed, false, "oom", models.JobStateFailed},
		{"output.error", `{"status":"COMPLETED","output":{"error":"nsfw"}}`, KindFailed, false, "nsfw", models.JobStateFailed},
		{"result.error", `{"result":{"error":"bad input"}}`, KindFailed, false, "bad input", models.JobStateFailed},
		{"result.output.error", `{"result":{"output":{"error":"crash"}}}`, KindFailed, false, "crash", models.JobStateFailed},
		{"output.output.error", `{"output":{"output":{"error":"deep"}}}`, KindFailed, false, "deep", models.JobStateFailed},
		{"nested status", `{"result":{"status":"error"}}`, KindFailed, false, "error", models.JobStateFailed},
		{"output status done", `{"output":{"status":"done","url":"u"}}`, KindSucceeded, false, "", models.JobStateSucceeded},
		{"error object message", `{"error":{"message":"worker died","code":7}}`, KindFailed, false, "worker died", models.JobStateFailed},
		{"empty error ignored", `{"status":"COMPLETED","error":"","output":"x"}`, KindSucceeded, false, "", models.JobStateSucceeded},
		{"false error ignored", `{"error":false,"output":"x"}`, KindSucceeded, false, "", models.JobStateSucceeded},
		{"cancelled with error", `{"status":"CANCELLED","error":"stopped by user"}`, KindFailed, true, "stopped by user", models.JobStateCancelled},
		{"unknown status with output", `{"status":"WARMING","output":"partial"}`, KindPending, false, "", models.JobStateQueued},
		{"empty", `{}`, KindPending, false, "", models.JobStateQueued},
		{"completed but output failed", `{"status":"COMPLETED","output":{"status":"failed"}}`, KindFailed, false, "failed", models.JobStateFailed},
		{"completed but state error", `{"status":"COMPLETED","state":"error"}`, KindFailed, false, "error", models.JobStateFailed},
		{"completed but result cancelled", `{"status":"COMPLETED","result":{"status":"cancelled"}}`, KindFailed, true, "cancelled", models.JobStateCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(payload(t, tt.raw))
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.cancelled, out.Cancelled)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, tt.state, out.JobState())
			assert.Equal(t, tt.kind != KindPending, out.Terminal())
		})
	}
}

func TestClassify_SuccessCarriesOutput(t *testing.T) {
	out := Classify(payload(t, `{"status":"COMPLETED","output":{"images":["data:image/png;base64,AAA"]}}`))
	require.Equal(t, KindSucceeded, out.Kind)
	assert.Equal(t, map[string]any{"images": []any{"data:image/png;base64,AAA"}}, out.Output)
	assert.Equal(t, "COMPLETED", out.Status)
}

func TestClassify_ResultOutputFallback(t *testing.T) {
	out := Classify(payload(t, `{"result":{"status":"success","output":{"video":"v.mp4"}}}`))
	require.Equal(t, KindSucceeded, out.Kind)
	assert.Equal(t, map[string]any{"video": "v.mp4"}, out.Output)
}

func TestClassify_FailureInLaterStatusKeepsFirstStatus(t *testing.T) {
	out := Classify(payload(t, `{"status":"COMPLETED","output":{"status":"failed"}}`))
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, "COMPLETED", out.Status)
	assert.Equal(t, "failed", out.Reason)
}
