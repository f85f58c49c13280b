package protocol

import (
	"time"

	"evalgo.org/fleetrent/models"
)

// Stop reasons reported in instance_stopped.
const (
	ReasonRequested = "requested"
	ReasonError     = "error"
	ReasonTimeout   = "timeout"
)

// NodeMetrics is the telemetry carried by each heartbeat.
type NodeMetrics struct {
	CPUTemp         *float64  `json:"cpu_temp,omitempty"`
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	GPUTemp         []float64 `json:"gpu_temp"`
	GPUUtilization  []float64 `json:"gpu_utilization"`
	GPUMemoryUsedMB []int     `json:"gpu_memory_used_mb"`
	RAMUsageMB      int       `json:"ram_usage_mb"`
	RAMTotalMB      int       `json:"ram_total_mb"`
	DiskUsageGB     float64   `json:"disk_usage_gb"`
	DiskTotalGB     float64   `json:"disk_total_gb"`
	NetworkRxMbps   float64   `json:"network_rx_mbps"`
	NetworkTxMbps   float64   `json:"network_tx_mbps"`
}

// Heartbeat is sent by a node every heartbeat interval.
type Heartbeat struct {
	NodeID  string            `json:"node_id"`
	Status  models.NodeStatus `json:"status"`
	Metrics NodeMetrics       `json:"metrics"`
}

// ConnectionInfo is what a node reports about a started container.
type ConnectionInfo struct {
	SSHHost         string         `json:"ssh_host"`
	SSHPort         int            `json:"ssh_port"`
	AdditionalPorts map[string]int `json:"additional_ports"`
}

// InstanceStarted confirms a start_instance command.
type InstanceStarted struct {
	RentalID       string         `json:"rental_id"`
	ContainerID    string         `json:"container_id"`
	ConnectionInfo ConnectionInfo `json:"connection_info"`
}

// InstanceStopped reports that a rental's container is gone, either because
// it was asked to stop or because it failed.
type InstanceStopped struct {
	RentalID     string `json:"rental_id"`
	ContainerID  string `json:"container_id"`
	Reason       string `json:"reason"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// AgentError reports a node-side failure not tied to a rental transition.
type AgentError struct {
	NodeID    string    `json:"node_id"`
	ErrorCode string    `json:"error_code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StartInstance asks a node to start a rental's container.
type StartInstance struct {
	RentalID         string                `json:"rental_id"`
	Image            string                `json:"image"`
	ResourceLimits   models.ResourceLimits `json:"resource_limits"`
	EnvVars          map[string]string     `json:"env_vars"`
	ProxyPortMapping models.PortMapping    `json:"proxy_port_mapping"`
	TunnelConfig     string                `json:"tunnel_config,omitempty"`
}

func (StartInstance) Name() string { return CommandStartInstance }

// StopInstance asks a node to stop a rental's container.
type StopInstance struct {
	RentalID       string `json:"rental_id"`
	ContainerID    string `json:"container_id"`
	Graceful       bool   `json:"graceful"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (StopInstance) Name() string { return CommandStopInstance }

// NewStopInstance returns a graceful stop with the default 30s timeout.
func NewStopInstance(rentalID, containerID string) StopInstance {
	return StopInstance{RentalID: rentalID, ContainerID: containerID, Graceful: true, TimeoutSeconds: 30}
}

// DrainNode tells a node to stop accepting new rentals.
type DrainNode struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

func (DrainNode) Name() string { return CommandDrainNode }

// AgentConfig is the remotely adjustable part of an agent's configuration.
type AgentConfig struct {
	HeartbeatIntervalMS  int      `json:"heartbeat_interval_ms"`
	MaxConcurrentRentals int      `json:"max_concurrent_rentals"`
	AllowedImages        []string `json:"allowed_images"`
}

// DefaultAgentConfig mirrors the agent's built-in defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{HeartbeatIntervalMS: 5000}
}

// UpdateConfig pushes new settings to a node.
type UpdateConfig struct {
	NodeID string      `json:"node_id"`
	Config AgentConfig `json:"config"`
}

func (UpdateConfig) Name() string { return CommandUpdateConfig }
