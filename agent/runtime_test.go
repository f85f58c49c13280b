package agent

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/fleetrent/models"
)

func TestContainerConfig(t *testing.T) {
	spec := ContainerSpec{
		RentalID: "3f9a2c1e-0000-4000-8000-000000000001",
		Image:    "pytorch/pytorch:latest",
		Limits: models.ResourceLimits{
			GPUIndices: []string{"0", "1"},
			CPUCores:   4,
			RAMLimit:   "16g",
		},
		Env:   map[string]string{"B": "2", "A": "1"},
		Ports: []int{22, 8888},
	}

	cfg, hostCfg, err := containerConfig(spec, "", "unless-stopped")
	require.NoError(t, err)

	assert.Equal(t, "pytorch/pytorch:latest", cfg.Image)
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
	assert.Equal(t, spec.RentalID, cfg.Labels[LabelRental])
	assert.Equal(t, "true", cfg.Labels[LabelManaged])
	assert.Contains(t, cfg.ExposedPorts, nat.Port("22/tcp"))
	assert.Contains(t, cfg.ExposedPorts, nat.Port("8888/tcp"))

	assert.Equal(t, container.NetworkMode("bridge"), hostCfg.NetworkMode)
	assert.Equal(t, []nat.PortBinding{{HostIP: "127.0.0.1"}}, hostCfg.PortBindings[nat.Port("22/tcp")])
	assert.Equal(t, container.RestartPolicy{Name: "unless-stopped"}, hostCfg.RestartPolicy)
	assert.Equal(t, int64(4e9), hostCfg.NanoCPUs)
	assert.Equal(t, int64(16*1024*1024*1024), hostCfg.Memory)
	require.Len(t, hostCfg.DeviceRequests, 1)
	assert.Equal(t, []string{"0", "1"}, hostCfg.DeviceRequests[0].DeviceIDs)
	assert.Equal(t, [][]string{{"gpu"}}, hostCfg.DeviceRequests[0].Capabilities)
}

func TestContainerConfigWithoutLimits(t *testing.T) {
	cfg, hostCfg, err := containerConfig(ContainerSpec{RentalID: "r", Image: "nvidia/cuda:12"}, "host", "")
	require.NoError(t, err)

	assert.Empty(t, cfg.Env)
	assert.Empty(t, cfg.ExposedPorts)
	assert.Equal(t, container.NetworkMode("host"), hostCfg.NetworkMode)
	assert.Equal(t, container.RestartPolicy{Name: "no"}, hostCfg.RestartPolicy)
	assert.Zero(t, hostCfg.NanoCPUs)
	assert.Zero(t, hostCfg.Memory)
	assert.Empty(t, hostCfg.DeviceRequests)
}

func TestContainerConfigRejectsBadRAMLimit(t *testing.T) {
	_, _, err := containerConfig(ContainerSpec{
		RentalID: "r",
		Image:    "nvidia/cuda:12",
		Limits:   models.ResourceLimits{RAMLimit: "lots"},
	}, "", "")
	assert.Error(t, err)
}

func TestHostPorts(t *testing.T) {
	bound := nat.PortMap{
		"22/tcp":   {{HostIP: "127.0.0.1", HostPort: "49153"}},
		"8888/tcp": {{HostIP: "127.0.0.1", HostPort: "49154"}},
		"53/udp":   {{HostIP: "127.0.0.1", HostPort: "49155"}},
		"6006/tcp": nil,
	}

	assert.Equal(t, map[int]int{22: 49153, 8888: 49154}, hostPorts(bound))
	assert.Empty(t, hostPorts(nil))
}
