package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE:  runInitConfig,
}

var (
	initConfigPath  string
	initConfigForce bool
)

func init() {
	initConfigCmd.Flags().StringVarP(&initConfigPath, "output", "o", "config.yaml", "file to write")
	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

const defaultConfig = `# fleetrent configuration

server:
  host: 0.0.0.0
  port: 8080
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  debug: false

database:
  driver: sqlite            # sqlite or postgres
  dsn: fleetrent.db
  max_open_conns: 10

ports:
  start: 10000
  end: 10100

rental:
  platform_fee_rate: "0.15"
  services: [22, 8888]
  ssh_user: root
  pending_timeout: 5m
  stop_timeout: 30s

tunnel:
  server_addr: localhost
  server_port: 7000
  token: ""
  public_host: ""

registry:
  heartbeat_expiry: 15s
  reap_after: 0s

reaper:
  enabled: true
  interval: 30s

telemetry:
  path: ""                  # empty keeps samples in memory
  retention: 24h

events:
  nats_url: ""              # e.g. nats://localhost:4222
  subject_prefix: fleet

tracing:
  enabled: false

logging:
  level: info
  format: json

security:
  rate_limit: 100
  allowed_origins:
    - "*"
  jwt_secret: change-me-in-production
  jwt_expiration: 24h
  node_token_secret: change-me-in-production

agent:
  backend_url: ws://localhost:8080/fleet
  node_id: ""
  token: ""
  heartbeat_interval: 5s
  reconnect_delay: 5s
  max_reconnect_delay: 300s
  http_addr: ""
  frp:
    server_addr: localhost
    server_port: 7000
    token: ""
  docker:
    allowed_images:
      - "pytorch/pytorch:*"
      - "tensorflow/tensorflow:*"
      - "jupyter/scipy-notebook:*"
      - "nvidia/cuda:*"
    network_mode: bridge
    restart_policy: "no"
    cleanup_after: 300s
    max_concurrent_rentals: 0
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	if !initConfigForce {
		if _, err := os.Stat(initConfigPath); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initConfigPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if err := os.WriteFile(initConfigPath, []byte(defaultConfig), 0o600); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", initConfigPath)
	return nil
}
