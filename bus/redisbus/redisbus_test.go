package redisbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/durably/durably/bus"
)

func TestWireEventRoundTrip(t *testing.T) {
	e := bus.Event{Kind: bus.KindRunComplete, RunID: "run1", JobName: "sum", Data: map[string]any{"total": float64(3)}}
	raw, err := json.Marshal(wireEvent{Kind: e.Kind, RunID: e.RunID, JobName: e.JobName, Data: e.Data})
	assert.NoError(t, err)

	var we wireEvent
	assert.NoError(t, json.Unmarshal(raw, &we))
	assert.Equal(t, e.Kind, we.Kind)
	assert.Equal(t, e.RunID, we.RunID)
	assert.Equal(t, e.JobName, we.JobName)
}
