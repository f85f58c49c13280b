package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStatus(t *testing.T) {
	tests := []struct {
		status     NodeStatus
		valid      bool
		reportable bool
	}{
		{NodeOnline, true, true},
		{NodeBusy, true, true},
		{NodeMaintenance, true, true},
		{NodeOffline, true, false},
		{"sleeping", false, false},
		{"", false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
			assert.Equal(t, tt.reportable, tt.status.Reportable())
		})
	}
}

func TestRentalStatusTerminal(t *testing.T) {
	assert.False(t, RentalPending.Terminal())
	assert.False(t, RentalActive.Terminal())
	assert.True(t, RentalCompleted.Terminal())
	assert.True(t, RentalCancelled.Terminal())
}

func TestPortMapping(t *testing.T) {
	m := PortMapping{8888: 10001, 22: 10005, 6006: 10000}
	assert.Equal(t, []int{22, 6006, 8888}, m.ContainerPorts())
	assert.Equal(t, []int{10000, 10001, 10005}, m.PublicPorts())

	data, err := json.Marshal(PortMapping{22: 10000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"22": 10000}`, string(data))

	var back PortMapping
	require.NoError(t, json.Unmarshal([]byte(`{"22": 10000, "8888": 10001}`), &back))
	assert.Equal(t, PortMapping{22: 10000, 8888: 10001}, back)

	assert.Empty(t, PortMapping(nil).ContainerPorts())
}

func TestIDs(t *testing.T) {
	id := NewID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewID())

	assert.Equal(t, id[:8], ShortID(id))
	assert.Equal(t, "abc", ShortID("abc"))
}
