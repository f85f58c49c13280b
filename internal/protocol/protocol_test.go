package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/fleetrent/models"
)

func TestMarshalStartInstance(t *testing.T) {
	frame, err := Marshal(StartInstance{
		RentalID: "r-1",
		Image:    "pytorch/pytorch:2.1",
		ResourceLimits: models.ResourceLimits{
			GPUIndices: []string{"0"},
			CPUCores:   4,
			RAMLimit:   "16g",
		},
		EnvVars:          map[string]string{"FOO": "bar"},
		ProxyPortMapping: models.PortMapping{22: 10000, 8888: 10001},
	})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(frame, &generic))
	assert.Equal(t, "start_instance", generic["event"])

	data := generic["data"].(map[string]any)
	assert.Equal(t, "r-1", data["rental_id"])
	mapping := data["proxy_port_mapping"].(map[string]any)
	assert.Equal(t, float64(10000), mapping["22"])
	assert.Equal(t, float64(10001), mapping["8888"])
	_, hasTunnel := data["tunnel_config"]
	assert.False(t, hasTunnel)
}

func TestDecodeHeartbeat(t *testing.T) {
	frame := []byte(`{"event":"heartbeat","data":{"node_id":"n-1","status":"busy",
		"metrics":{"cpu_usage_percent":12.5,"ram_usage_mb":2048,"ram_total_mb":8192,
		"disk_usage_gb":10,"disk_total_gb":100,"gpu_utilization":[55]}}}`)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventHeartbeat, env.Event)

	hb, err := DecodeData[Heartbeat](env)
	require.NoError(t, err)
	assert.Equal(t, "n-1", hb.NodeID)
	assert.Equal(t, models.NodeBusy, hb.Status)
	assert.Equal(t, 12.5, hb.Metrics.CPUUsagePercent)
	assert.Equal(t, []float64{55}, hb.Metrics.GPUUtilization)
	assert.Nil(t, hb.Metrics.CPUTemp)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing event", `{"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeDataMissingPayload(t *testing.T) {
	env, err := Decode([]byte(`{"event":"instance_stopped"}`))
	require.NoError(t, err)

	_, err = DecodeData[InstanceStopped](env)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStopInstanceDefaults(t *testing.T) {
	cmd := NewStopInstance("r-1", "c-1")
	assert.True(t, cmd.Graceful)
	assert.Equal(t, 30, cmd.TimeoutSeconds)
	assert.Equal(t, CommandStopInstance, cmd.Name())
}
