package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/protocol"
)

// MetricsSource produces the metrics carried by each heartbeat.
type MetricsSource interface {
	Collect(ctx context.Context) protocol.NodeMetrics
}

// GPU is one NVIDIA device as reported by nvidia-smi.
type GPU struct {
	Index         int
	Name          string
	MemoryTotalMB int
	MemoryFreeMB  int
	Temperature   float64
	Utilization   float64
	DriverVersion string
}

// GPUProbe lists the node's GPUs.
type GPUProbe func(ctx context.Context) ([]GPU, error)

const nvidiaSMIQuery = "index,name,memory.total,memory.free,temperature.gpu,utilization.gpu,driver_version"

// NvidiaSMI queries GPUs through the nvidia-smi CLI. A host without
// nvidia-smi has no GPUs.
func NvidiaSMI(ctx context.Context) ([]GPU, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+nvidiaSMIQuery,
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI parses nvidia-smi CSV output in nvidiaSMIQuery order.
// Fields nvidia-smi reports as "[N/A]" are left at zero.
func parseNvidiaSMI(out string) ([]GPU, error) {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}

		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("unexpected nvidia-smi index %q", parts[0])
		}
		g := GPU{
			Index:         idx,
			Name:          parts[1],
			MemoryTotalMB: int(parseFloat(parts[2])),
			MemoryFreeMB:  int(parseFloat(parts[3])),
			Temperature:   parseFloat(parts[4]),
		}
		if len(parts) > 5 {
			g.Utilization = parseFloat(parts[5])
		}
		if len(parts) > 6 {
			g.DriverVersion = parts[6]
		}
		gpus = append(gpus, g)
	}
	return gpus, nil
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// HostCollector reads host metrics with gopsutil and GPU metrics with a
// GPUProbe. Network rates are derived from the counters of the previous
// collection, so the first heartbeat reports zero.
type HostCollector struct {
	gpus     GPUProbe
	diskPath string
	logger   *zap.Logger

	mu      sync.Mutex
	lastNet *netSample
}

type netSample struct {
	at        time.Time
	recvBytes uint64
	sentBytes uint64
}

// NewHostCollector creates a collector. A nil probe disables GPU metrics.
func NewHostCollector(gpus GPUProbe, logger *zap.Logger) *HostCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostCollector{gpus: gpus, diskPath: "/", logger: logger.Named("hardware")}
}

// Collect samples the host. Sources that fail are logged and reported as
// zero so a heartbeat is always sent.
func (c *HostCollector) Collect(ctx context.Context) protocol.NodeMetrics {
	m := protocol.NodeMetrics{
		GPUTemp:         []float64{},
		GPUUtilization:  []float64{},
		GPUMemoryUsedMB: []int{},
	}

	if pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pct) > 0 {
		m.CPUUsagePercent = round2(pct[0])
	} else if err != nil {
		c.logger.Debug("cpu usage unavailable", zap.Error(err))
	}

	if temp, ok := c.cpuTemperature(ctx); ok {
		m.CPUTemp = &temp
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.RAMUsageMB = int(vm.Used / (1 << 20))
		m.RAMTotalMB = int(vm.Total / (1 << 20))
	} else {
		c.logger.Debug("memory usage unavailable", zap.Error(err))
	}

	if du, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		m.DiskUsageGB = round2(float64(du.Used) / (1 << 30))
		m.DiskTotalGB = round2(float64(du.Total) / (1 << 30))
	} else {
		c.logger.Debug("disk usage unavailable", zap.Error(err))
	}

	if io, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		m.NetworkRxMbps, m.NetworkTxMbps = c.netRates(netSample{
			at:        time.Now(),
			recvBytes: io[0].BytesRecv,
			sentBytes: io[0].BytesSent,
		})
	}

	if c.gpus != nil {
		gpus, err := c.gpus(ctx)
		if err != nil {
			c.logger.Warn("gpu metrics unavailable", zap.Error(err))
		}
		for _, g := range gpus {
			m.GPUTemp = append(m.GPUTemp, g.Temperature)
			m.GPUUtilization = append(m.GPUUtilization, g.Utilization)
			m.GPUMemoryUsedMB = append(m.GPUMemoryUsedMB, g.MemoryTotalMB-g.MemoryFreeMB)
		}
	}

	return m
}

func (c *HostCollector) netRates(now netSample) (rx, tx float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.lastNet
	c.lastNet = &now
	if prev == nil {
		return 0, 0
	}
	return rateMbps(prev.recvBytes, now.recvBytes, now.at.Sub(prev.at)),
		rateMbps(prev.sentBytes, now.sentBytes, now.at.Sub(prev.at))
}

// rateMbps converts a byte counter delta over elapsed into megabits per
// second. Counter resets yield zero.
func rateMbps(before, after uint64, elapsed time.Duration) float64 {
	if after < before || elapsed <= 0 {
		return 0
	}
	bits := float64(after-before) * 8
	return round2(bits / elapsed.Seconds() / 1e6)
}

var cpuSensors = []string{"coretemp", "cpu_thermal", "k10temp", "zenpower"}

func (c *HostCollector) cpuTemperature(ctx context.Context) (float64, bool) {
	temps, err := sensors.TemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err != nil {
			c.logger.Debug("cpu temperature unavailable", zap.Error(err))
		}
		return 0, false
	}

	for _, name := range cpuSensors {
		for _, t := range temps {
			if strings.HasPrefix(t.SensorKey, name) {
				return t.Temperature, true
			}
		}
	}
	return temps[0].Temperature, true
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
