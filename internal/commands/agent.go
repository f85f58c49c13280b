package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the node agent",
	Long: `Start the agent that connects this node to the fleet server.

The agent reports heartbeats with host and GPU metrics, starts and stops
rental containers on the server's command and runs one frpc tunnel per
rental.`,
	RunE: runAgent,
}

var agentFlags struct {
	backendURL string
	nodeID     string
	token      string
	socket     string
	frpcPath   string
}

func init() {
	agentCmd.Flags().StringVar(&agentFlags.backendURL, "backend-url", "", "fleet server websocket URL (overrides agent.backend_url)")
	agentCmd.Flags().StringVar(&agentFlags.nodeID, "node-id", "", "node identifier (overrides agent.node_id)")
	agentCmd.Flags().StringVar(&agentFlags.token, "token", "", "node credential (overrides agent.token)")
	agentCmd.Flags().StringVar(&agentFlags.socket, "docker-socket", "", "Docker host, e.g. unix:///var/run/docker.sock")
	agentCmd.Flags().StringVar(&agentFlags.frpcPath, "frpc", "", "frpc binary path")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ac := cfg.Agent
	if agentFlags.backendURL != "" {
		ac.BackendURL = agentFlags.backendURL
	}
	if agentFlags.nodeID != "" {
		ac.NodeID = agentFlags.nodeID
	}
	if agentFlags.token != "" {
		ac.Token = agentFlags.token
	}
	if agentFlags.socket != "" {
		ac.Docker.Socket = agentFlags.socket
	}
	if agentFlags.frpcPath != "" {
		ac.FRP.FRPCPath = agentFlags.frpcPath
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := agent.NewDockerRuntime(ac.Docker, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Docker: %w", err)
	}
	defer rt.Close()

	// Without frpc the node still connects but refuses rentals.
	var tunnels agent.Tunnels
	frpc, err := agent.NewFRPC(ac.FRP.FRPCPath, logger)
	switch {
	case errors.Is(err, agent.ErrFRPCNotFound):
		logger.Warn("frpc not found, rentals will be refused")
	case err != nil:
		return err
	default:
		tunnels = frpc
	}

	a, err := agent.New(ac, rt, tunnels, agent.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	logger.Info("agent starting",
		zap.String("version", rootCmd.Version),
		zap.String("node_id", ac.NodeID),
		zap.String("backend_url", ac.BackendURL),
	)
	return a.Run(ctx)
}
