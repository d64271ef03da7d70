package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

func TestRunEventCarriesRunIdentity(t *testing.T) {
	p := &Publisher{subjectPrefix: "conveyor"}
	run := &pipeline.Run{
		ID:       "run-1",
		Pipeline: "tvb-tests",
		Number:   7,
		Trigger:  pipeline.TriggerSchedule,
	}

	event := p.runEvent("run_started", run)
	assert.Equal(t, "run_started", event.Type)
	assert.Equal(t, "tvb-tests", event.Pipeline)
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, 7, event.RunNumber)
	assert.Equal(t, "schedule", event.Trigger)
}

func TestEventJSONOmitsEmptyFields(t *testing.T) {
	event := Event{
		Type:      "run_started",
		Pipeline:  "tvb-tests",
		RunID:     "run-1",
		RunNumber: 7,
		Trigger:   "manual",
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"stage"`)
	assert.NotContains(t, string(data), `"result"`)
}

func TestCloseWithoutConnection(t *testing.T) {
	p := &Publisher{}
	assert.NoError(t, p.Close())
}
