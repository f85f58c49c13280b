package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/protocol"
	"evalgo.org/fleetrent/internal/tunnel"
	"evalgo.org/fleetrent/models"
)

// Reasons a start_instance is refused before any container is created.
var (
	ErrDraining        = errors.New("node is draining")
	ErrImageNotAllowed = errors.New("image not allowed")
	ErrAtCapacity      = errors.New("node is at its concurrent rental limit")
	ErrDuplicateRental = errors.New("rental already running on this node")
	ErrNoTunnelClient  = errors.New("no tunnel client available")
)

// errStartAbandoned marks a container started for a rental that was
// stopped while its start was in flight.
var errStartAbandoned = errors.New("rental was stopped while starting")

const defaultStopTimeout = 30 * time.Second

func (a *Agent) handleFrame(ctx context.Context, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		a.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Event {
	case protocol.CommandStartInstance:
		cmd, err := protocol.DecodeData[protocol.StartInstance](env)
		if err != nil {
			a.badCommand(env.Event, err)
			return
		}
		a.goTask(func() { a.startInstance(ctx, cmd) })

	case protocol.CommandStopInstance:
		cmd, err := protocol.DecodeData[protocol.StopInstance](env)
		if err != nil {
			a.badCommand(env.Event, err)
			return
		}
		a.goTask(func() { a.stopInstance(ctx, cmd) })

	case protocol.CommandDrainNode:
		cmd, err := protocol.DecodeData[protocol.DrainNode](env)
		if err != nil {
			a.badCommand(env.Event, err)
			return
		}
		a.drain(cmd)

	case protocol.CommandUpdateConfig:
		cmd, err := protocol.DecodeData[protocol.UpdateConfig](env)
		if err != nil {
			a.badCommand(env.Event, err)
			return
		}
		a.updateConfig(cmd.Config)

	default:
		a.logger.Warn("unknown command", zap.String("event", env.Event))
		a.reportError(ErrCodeUnknownEvent, "unknown command "+strconv.Quote(env.Event))
	}
}

func (a *Agent) goTask(fn func()) {
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		fn()
	}()
}

func (a *Agent) badCommand(event string, err error) {
	a.logger.Warn("invalid command", zap.String("event", event), zap.Error(err))
	a.reportError(ErrCodeBadCommand, err.Error())
}

// startInstance runs the rental's container and tunnel and confirms with
// instance_started. Any failure is reported as instance_stopped with reason
// error so the server can roll the rental back.
func (a *Agent) startInstance(ctx context.Context, cmd protocol.StartInstance) {
	log := a.logger.With(zap.String("rental_id", cmd.RentalID), zap.String("image", cmd.Image))
	log.Info("starting instance")

	fail := func(containerID string, err error) {
		log.Error("failed to start instance", zap.Error(err))
		a.send(protocol.EventInstanceStopped, protocol.InstanceStopped{
			RentalID:     cmd.RentalID,
			ContainerID:  containerID,
			Reason:       protocol.ReasonError,
			ErrorMessage: err.Error(),
		})
		a.reportError(ErrCodeStartFailed, fmt.Sprintf("rental %s: %v", cmd.RentalID, err))
	}

	if err := a.admit(cmd); err != nil {
		fail("", err)
		return
	}
	if a.tunnels == nil {
		a.forget(cmd.RentalID)
		fail("", ErrNoTunnelClient)
		return
	}

	started, err := a.runtime.Start(ctx, ContainerSpec{
		RentalID: cmd.RentalID,
		Image:    cmd.Image,
		Limits:   cmd.ResourceLimits,
		Env:      cmd.EnvVars,
		Ports:    cmd.ProxyPortMapping.ContainerPorts(),
	})
	if err != nil {
		a.forget(cmd.RentalID)
		fail("", err)
		return
	}

	if err := a.tunnels.Start(cmd.RentalID, a.tunnelConfig(cmd, started.HostPorts)); err != nil {
		a.discard(started.ID)
		a.forget(cmd.RentalID)
		fail(started.ID, fmt.Errorf("failed to start tunnel: %w", err))
		return
	}

	if !a.track(cmd.RentalID, started.ID) {
		// a stop_instance already answered for this rental
		a.tunnels.Stop(cmd.RentalID)
		a.discard(started.ID)
		log.Warn("discarded container of abandoned rental", zap.Error(errStartAbandoned))
		return
	}

	a.send(protocol.EventInstanceStarted, protocol.InstanceStarted{
		RentalID:       cmd.RentalID,
		ContainerID:    started.ID,
		ConnectionInfo: a.connectionInfo(cmd.ProxyPortMapping),
	})
	a.pokeHeartbeat()

	log.Info("instance started", zap.String("container_id", models.ShortID(started.ID)))
}

// admit checks a start command against the node's state and reserves a
// rental slot for it.
func (a *Agent) admit(cmd protocol.StartInstance) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.draining {
		return ErrDraining
	}
	if !ImageAllowed(a.allowed, cmd.Image) {
		return fmt.Errorf("%w: %s", ErrImageNotAllowed, cmd.Image)
	}
	if _, ok := a.rentals[cmd.RentalID]; ok {
		return ErrDuplicateRental
	}
	if a.maxRentals > 0 && len(a.rentals) >= a.maxRentals {
		return ErrAtCapacity
	}

	a.rentals[cmd.RentalID] = ""
	return nil
}

// track records the container of a reserved rental. It reports false when
// the reservation is gone.
func (a *Agent) track(rentalID, containerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.rentals[rentalID]; !ok {
		return false
	}
	a.rentals[rentalID] = containerID
	return true
}

func (a *Agent) forget(rentalID string) {
	a.mu.Lock()
	delete(a.rentals, rentalID)
	a.mu.Unlock()
}

// forgetContainer drops a rental only if it is still tracked with
// containerID.
func (a *Agent) forgetContainer(rentalID, containerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rentalID == "" || a.rentals[rentalID] != containerID {
		return false
	}
	delete(a.rentals, rentalID)
	return true
}

// lookup returns the container of a tracked rental.
func (a *Agent) lookup(rentalID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.rentals[rentalID]
	return id, ok
}

// discard stops and removes a container outside any request context.
func (a *Agent) discard(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.runtime.Stop(ctx, containerID, false, 0); err != nil {
		a.logger.Warn("failed to kill container", zap.String("container_id", models.ShortID(containerID)), zap.Error(err))
	}
	if err := a.runtime.Remove(ctx, containerID); err != nil {
		a.logger.Warn("failed to remove container", zap.String("container_id", models.ShortID(containerID)), zap.Error(err))
	}
}

// tunnelConfig renders the frpc config with the loopback ports Docker
// actually bound. Without a local frps address the server's rendering is
// used as is.
func (a *Agent) tunnelConfig(cmd protocol.StartInstance, hostPorts map[int]int) string {
	if a.cfg.FRP.ServerAddr == "" && cmd.TunnelConfig != "" {
		return cmd.TunnelConfig
	}
	return tunnel.ClientConfig(cmd.RentalID, cmd.ProxyPortMapping, hostPorts, tunnel.Server{
		Addr:  a.cfg.FRP.ServerAddr,
		Port:  a.cfg.FRP.ServerPort,
		Token: a.cfg.FRP.Token,
	})
}

func (a *Agent) connectionInfo(mapping models.PortMapping) protocol.ConnectionInfo {
	info := protocol.ConnectionInfo{
		SSHHost:         a.cfg.FRP.ServerAddr,
		SSHPort:         mapping[tunnel.SSHPort],
		AdditionalPorts: make(map[string]int),
	}
	for _, p := range mapping.ContainerPorts() {
		if p != tunnel.SSHPort {
			info.AdditionalPorts[strconv.Itoa(p)] = mapping[p]
		}
	}
	return info
}

// stopInstance tears down the rental's tunnel and container and answers
// with instance_stopped. A rental this node does not know is reported as
// stopped.
func (a *Agent) stopInstance(ctx context.Context, cmd protocol.StopInstance) {
	log := a.logger.With(zap.String("rental_id", cmd.RentalID))
	log.Info("stopping instance", zap.Bool("graceful", cmd.Graceful))

	containerID := cmd.ContainerID
	if containerID == "" {
		containerID, _ = a.lookup(cmd.RentalID)
	}

	if a.tunnels != nil {
		a.tunnels.Stop(cmd.RentalID)
	}

	if containerID != "" {
		timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultStopTimeout
		}

		if err := a.runtime.Stop(ctx, containerID, cmd.Graceful, timeout); err != nil {
			log.Error("failed to stop instance", zap.Error(err))
			a.send(protocol.EventInstanceStopped, protocol.InstanceStopped{
				RentalID:     cmd.RentalID,
				ContainerID:  containerID,
				Reason:       protocol.ReasonError,
				ErrorMessage: err.Error(),
			})
			a.reportError(ErrCodeStopFailed, fmt.Sprintf("rental %s: %v", cmd.RentalID, err))
			return
		}
		if err := a.runtime.Remove(ctx, containerID); err != nil {
			log.Warn("failed to remove container", zap.Error(err))
		}
	}

	a.forget(cmd.RentalID)
	a.send(protocol.EventInstanceStopped, protocol.InstanceStopped{
		RentalID:    cmd.RentalID,
		ContainerID: containerID,
		Reason:      protocol.ReasonRequested,
	})
	a.pokeHeartbeat()

	log.Info("instance stopped")
}

func (a *Agent) drain(cmd protocol.DrainNode) {
	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()

	a.logger.Info("draining node", zap.String("reason", cmd.Reason))
	a.pokeHeartbeat()
}

func (a *Agent) updateConfig(cfg protocol.AgentConfig) {
	a.mu.Lock()
	if cfg.HeartbeatIntervalMS > 0 {
		a.heartbeat = time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond
	}
	if len(cfg.AllowedImages) > 0 {
		a.allowed = append([]string(nil), cfg.AllowedImages...)
	}
	if cfg.MaxConcurrentRentals >= 0 {
		a.maxRentals = cfg.MaxConcurrentRentals
	}
	a.mu.Unlock()

	a.logger.Info("config updated",
		zap.Int("heartbeat_interval_ms", cfg.HeartbeatIntervalMS),
		zap.Int("max_concurrent_rentals", cfg.MaxConcurrentRentals),
		zap.Strings("allowed_images", cfg.AllowedImages),
	)
	a.pokeHeartbeat()
}
