package model_test

import (
	"testing"
	"time"

	"github.com/sentinelqa/sentinel/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestAggregateStatus(t *testing.T) {
	assert.Equal(t, model.StatusPassed, model.AggregateStatus(nil), "a run without children passes")

	assert.Equal(t, model.StatusPassed, model.AggregateStatus([]model.TestRun{
		{Status: model.StatusPassed},
		{Status: model.StatusPassed},
	}))

	assert.Equal(t, model.StatusFailed, model.AggregateStatus([]model.TestRun{
		{Status: model.StatusPassed},
		{Status: model.StatusFailed},
		{Status: model.StatusPassed},
	}), "one failed child fails the suite run")
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, model.StatusPending.Terminal())
	assert.False(t, model.StatusRunning.Terminal())
	assert.True(t, model.StatusPassed.Terminal())
	assert.True(t, model.StatusFailed.Terminal())
}

func TestCronCadence(t *testing.T) {
	assert.Equal(t, time.Hour, model.CadenceHourly.Interval())
	assert.Equal(t, 24*time.Hour, model.CadenceDaily.Interval())

	assert.True(t, model.CadenceHourly.Valid())
	assert.True(t, model.CadenceDaily.Valid())
	assert.False(t, model.CronCadence("weekly").Valid())
}
