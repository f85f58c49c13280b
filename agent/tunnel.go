package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"evalgo.org/fleetrent/models"
)

// ErrFRPCNotFound is returned when no frpc binary can be located.
var ErrFRPCNotFound = errors.New("frpc binary not found")

// Tunnels runs one tunnel client per rental.
type Tunnels interface {
	Start(rentalID, clientConfig string) error
	Stop(rentalID string)
	StopAll()
}

// FRPC runs an frpc process per rental with its rendered client config.
type FRPC struct {
	path   string
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*frpcProc
}

type frpcProc struct {
	cmd    *exec.Cmd
	config string
	done   chan struct{}
}

// NewFRPC locates the frpc binary: the configured path if it is
// executable, otherwise frpc on PATH.
func NewFRPC(path string, logger *zap.Logger) (*FRPC, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("frpc")

	if path != "" {
		if _, err := exec.LookPath(path); err == nil {
			return &FRPC{path: path, logger: logger, procs: make(map[string]*frpcProc)}, nil
		}
		logger.Warn("configured frpc path not usable, searching PATH", zap.String("path", path))
	}

	found, err := exec.LookPath("frpc")
	if err != nil {
		return nil, ErrFRPCNotFound
	}
	return &FRPC{path: found, logger: logger, procs: make(map[string]*frpcProc)}, nil
}

// Start writes the rental's client config and launches frpc with it.
// Starting an already running tunnel is a no-op.
func (f *FRPC) Start(rentalID, clientConfig string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.procs[rentalID]; ok {
		f.logger.Warn("tunnel already running", zap.String("rental_id", rentalID))
		return nil
	}

	file, err := os.CreateTemp(f.dir, "frpc_"+models.ShortID(rentalID)+"_*.ini")
	if err != nil {
		return fmt.Errorf("failed to write frpc config: %w", err)
	}
	if _, err := file.WriteString(clientConfig); err != nil {
		file.Close()
		os.Remove(file.Name())
		return fmt.Errorf("failed to write frpc config: %w", err)
	}
	file.Close()

	cmd := exec.Command(f.path, "-c", file.Name())
	if err := cmd.Start(); err != nil {
		os.Remove(file.Name())
		return fmt.Errorf("failed to start frpc: %w", err)
	}

	p := &frpcProc{cmd: cmd, config: file.Name(), done: make(chan struct{})}
	f.procs[rentalID] = p

	go func() {
		err := cmd.Wait()
		f.logger.Info("frpc exited", zap.String("rental_id", rentalID), zap.Error(err))
		close(p.done)
	}()

	f.logger.Info("tunnel started", zap.String("rental_id", rentalID), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop terminates a rental's frpc, killing it if it does not exit within
// five seconds, and removes its config file.
func (f *FRPC) Stop(rentalID string) {
	f.mu.Lock()
	p, ok := f.procs[rentalID]
	delete(f.procs, rentalID)
	f.mu.Unlock()

	if !ok {
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.done
	}

	os.Remove(p.config)
	f.logger.Info("tunnel stopped", zap.String("rental_id", rentalID))
}

// StopAll stops every running tunnel.
func (f *FRPC) StopAll() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.procs))
	for id := range f.procs {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.Stop(id)
	}
}
