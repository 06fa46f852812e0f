package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartComplete_RecordsDurationAndLink(t *testing.T) {
	tl := New()

	startID := tl.Start(EventServiceCallStarted, map[string]interface{}{"op": "screenshot"}, "")
	time.Sleep(2 * time.Millisecond)
	tl.Complete(startID, EventServiceCallCompleted, nil)

	events := tl.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventServiceCallStarted, events[0].EventType)
	assert.Equal(t, EventServiceCallCompleted, events[1].EventType)
	assert.Equal(t, startID, events[1].LinkedEventID)
	require.NotNil(t, events[1].DurationMS)
	assert.GreaterOrEqual(t, *events[1].DurationMS, int64(0))
}

func TestFail_RecordsFailureStatus(t *testing.T) {
	tl := New()
	startID := tl.Start(EventServiceCallStarted, nil, "")
	tl.Fail(startID, EventServiceCallFailed, map[string]interface{}{"error": "boom"})

	events := tl.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "failure", events[1].Status)
}

func TestVerifyIntegrity_NoViolationsWhenAllClosed(t *testing.T) {
	tl := New()
	id := tl.Start(EventServiceCallStarted, nil, "")
	tl.Complete(id, EventServiceCallCompleted, nil)
	assert.Empty(t, tl.VerifyIntegrity())
}

func TestVerifyIntegrity_DetectsUnclosedStart(t *testing.T) {
	tl := New()
	tl.Start(EventServiceCallStarted, nil, "")
	assert.NotEmpty(t, tl.VerifyIntegrity())
}

func TestVerifyIntegrity_DetectsMissingLinkedEventID(t *testing.T) {
	tl := New()
	tl.Append(EventServiceCallCompleted, "success", nil, "")
	assert.Contains(t, tl.VerifyIntegrity(), "missing linked_event_id")
}

func TestMarshalJSON_WrapsEventsKey(t *testing.T) {
	tl := New()
	tl.Append(EventRunStarted, "", nil, "")

	data, err := tl.MarshalJSON()
	require.NoError(t, err)

	var decoded struct {
		Events []Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Events, 1)
	assert.Equal(t, EventRunStarted, decoded.Events[0].EventType)
}
