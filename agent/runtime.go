package agent

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/models"
)

// Labels put on every rental container.
const (
	LabelManaged = "org.evalgo.fleetrent.managed"
	LabelRental  = "org.evalgo.fleetrent.rental"
)

// ContainerSpec describes the container started for a rental.
type ContainerSpec struct {
	RentalID string
	Image    string
	Limits   models.ResourceLimits
	Env      map[string]string
	Ports    []int
}

// StartedContainer is a running rental container.
type StartedContainer struct {
	ID string
	// HostPorts maps container ports to the loopback ports Docker bound
	HostPorts map[int]int
}

// ExitedContainer is a managed container that is no longer running.
type ExitedContainer struct {
	ID         string
	RentalID   string
	ExitCode   int
	FinishedAt time.Time
}

// Runtime runs rental containers on the node.
type Runtime interface {
	Start(ctx context.Context, spec ContainerSpec) (StartedContainer, error)
	Stop(ctx context.Context, containerID string, graceful bool, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Exited(ctx context.Context) ([]ExitedContainer, error)
	Running(ctx context.Context) (map[string]string, error)
	Close() error
}

// DockerRuntime is the Docker Engine implementation of Runtime.
type DockerRuntime struct {
	docker        *dockerclient.Client
	networkMode   string
	restartPolicy string
	logger        *zap.Logger
}

// NewDockerRuntime connects to the Docker daemon and verifies it responds.
func NewDockerRuntime(cfg config.DockerConfig, logger *zap.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if cfg.Socket != "" {
		host := cfg.Socket
		if !strings.Contains(host, "://") {
			host = "unix://" + host
		}
		opts = append(opts, dockerclient.WithHost(host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}

	return &DockerRuntime{
		docker:        cli,
		networkMode:   cfg.NetworkMode,
		restartPolicy: cfg.RestartPolicy,
		logger:        logger.Named("docker"),
	}, nil
}

// Close releases the Docker client.
func (d *DockerRuntime) Close() error {
	return d.docker.Close()
}

// Start pulls the image if needed, then creates and starts the container.
// A container that was created but could not be started is removed.
func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (StartedContainer, error) {
	if err := d.pullImage(ctx, spec.Image); err != nil {
		return StartedContainer{}, err
	}

	cfg, hostCfg, err := containerConfig(spec, d.networkMode, d.restartPolicy)
	if err != nil {
		return StartedContainer{}, err
	}

	name := "fleetrent-" + models.ShortID(spec.RentalID)
	created, err := d.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return StartedContainer{}, fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range created.Warnings {
		d.logger.Warn("container create warning", zap.String("rental_id", spec.RentalID), zap.String("warning", w))
	}

	if err := d.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.removeQuietly(created.ID)
		return StartedContainer{}, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.docker.ContainerInspect(ctx, created.ID)
	if err != nil {
		d.removeQuietly(created.ID)
		return StartedContainer{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	var bound nat.PortMap
	if inspect.NetworkSettings != nil {
		bound = inspect.NetworkSettings.Ports
	}

	return StartedContainer{ID: created.ID, HostPorts: hostPorts(bound)}, nil
}

// Stop stops a container, gracefully with a timeout or by killing it.
// A container that no longer exists is already stopped.
func (d *DockerRuntime) Stop(ctx context.Context, containerID string, graceful bool, timeout time.Duration) error {
	var err error
	if graceful {
		secs := int(timeout / time.Second)
		err = d.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	} else {
		err = d.docker.ContainerKill(ctx, containerID, "SIGKILL")
	}
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove force-removes a container. Missing containers are ignored.
func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Exited lists managed containers that have exited or died.
func (d *DockerRuntime) Exited(ctx context.Context) ([]ExitedContainer, error) {
	list, err := d.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManaged+"=true"),
			filters.Arg("status", "exited"),
			filters.Arg("status", "dead"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	exited := make([]ExitedContainer, 0, len(list))
	for _, c := range list {
		inspect, err := d.docker.ContainerInspect(ctx, c.ID)
		if err != nil {
			if dockerclient.IsErrNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to inspect container %s: %w", models.ShortID(c.ID), err)
		}

		ec := ExitedContainer{ID: c.ID, RentalID: c.Labels[LabelRental]}
		if inspect.State != nil {
			ec.ExitCode = inspect.State.ExitCode
			ec.FinishedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		}
		exited = append(exited, ec)
	}
	return exited, nil
}

// Running maps rental IDs to the IDs of their running containers.
func (d *DockerRuntime) Running(ctx context.Context) (map[string]string, error) {
	list, err := d.docker.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	running := make(map[string]string, len(list))
	for _, c := range list {
		if id := c.Labels[LabelRental]; id != "" {
			running[id] = c.ID
		}
	}
	return running, nil
}

func (d *DockerRuntime) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Remove(ctx, containerID); err != nil {
		d.logger.Warn("failed to remove container", zap.String("container_id", models.ShortID(containerID)), zap.Error(err))
	}
}

// pullImage pulls an image unless it is already present.
func (d *DockerRuntime) pullImage(ctx context.Context, ref string) error {
	if _, _, err := d.docker.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	d.logger.Info("pulling image", zap.String("image", ref))
	reader, err := d.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// the pull only completes once its progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// containerConfig converts a rental's container spec to Docker API configs.
// Every port is bound to a random loopback port; frpc exposes it publicly.
func containerConfig(spec ContainerSpec, networkMode, restartPolicy string) (*container.Config, *container.HostConfig, error) {
	exposed := make(nat.PortSet)
	bindings := make(nat.PortMap)
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}

	resources := container.Resources{}
	if spec.Limits.CPUCores > 0 {
		resources.NanoCPUs = int64(spec.Limits.CPUCores) * 1e9
	}
	if spec.Limits.RAMLimit != "" {
		mem, err := units.RAMInBytes(spec.Limits.RAMLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid ram limit %q: %w", spec.Limits.RAMLimit, err)
		}
		resources.Memory = mem
	}
	if len(spec.Limits.GPUIndices) > 0 {
		resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    spec.Limits.GPUIndices,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	if networkMode == "" {
		networkMode = "bridge"
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          convertEnvVars(spec.Env),
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelRental:  spec.RentalID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:   container.NetworkMode(networkMode),
		PortBindings:  bindings,
		RestartPolicy: convertRestartPolicy(restartPolicy),
		Resources:     resources,
	}
	return cfg, hostCfg, nil
}

func convertEnvVars(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func convertRestartPolicy(policy string) container.RestartPolicy {
	switch policy {
	case "always":
		return container.RestartPolicy{Name: "always"}
	case "unless-stopped":
		return container.RestartPolicy{Name: "unless-stopped"}
	case "on-failure":
		return container.RestartPolicy{Name: "on-failure", MaximumRetryCount: 3}
	default:
		return container.RestartPolicy{Name: "no"}
	}
}

// hostPorts reads the first TCP host binding of every published port.
func hostPorts(bound nat.PortMap) map[int]int {
	out := make(map[int]int, len(bound))
	for port, bindings := range bound {
		if port.Proto() != "tcp" || len(bindings) == 0 {
			continue
		}
		host, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			continue
		}
		out[port.Int()] = host
	}
	return out
}
