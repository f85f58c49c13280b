// Package fleetrent coordinates a fleet of GPU nodes and settles the
// rentals run on them.
//
// # Overview
//
// Node owners register machines and run the agent on each of them. Renters
// lease a node by the hour through the REST API. The server reserves public
// ports for the rental, tells the node to start a container and exposes the
// container's SSH and notebook ports through an frps tunnel server. When the
// rental stops the renter is debited and the owner credited, less the
// platform fee.
//
// The system consists of:
//   - Fleet server: REST API, the /fleet node gateway and the settlement ledger
//   - Node agent: container runtime, frpc tunnels and heartbeat metrics
//   - Ledger: gorm-backed accounts, nodes, rentals and port allocations
//
// # Architecture
//
//	┌─────────────────┐        ┌─────────────────┐
//	│   Renter CLI    │        │   Node Agent    │
//	│  (pkg/client)   │        │ (Docker, frpc)  │
//	└────────┬────────┘        └────────┬────────┘
//	         │ REST                     │ WebSocket /fleet
//	┌────────▼──────────────────────────▼────────┐
//	│               Fleet Server                 │
//	│   (Echo, registry, rental engine, ports)   │
//	└────────┬──────────────────────────┬────────┘
//	         │                          │
//	┌────────▼────────┐        ┌────────▼────────┐
//	│ Ledger (gorm)   │        │ Telemetry       │
//	│ sqlite/postgres │        │ (badger)        │
//	└─────────────────┘        └─────────────────┘
//
// # Rental Lifecycle
//
//	PENDING --instance_started--> ACTIVE --stop--> COMPLETED
//	   │                             └--instance_stopped(error)--> CANCELLED
//	   └--start failed or timed out--> deleted, ports released
//
// Billing starts when the node confirms the container is running. The cost
// is CostPerHour times the elapsed hours; the owner receives the cost less
// rental.platform_fee_rate.
//
// # Usage
//
// Start the server:
//
//	fleetrent server --config configs/config.yaml
//
// Register an owner, a node and a renter, then issue the node a credential:
//
//	fleetrent account add --id owner-1 --role owner
//	fleetrent node add --id gpu-box-1 --owner owner-1 --rate 2.5 --gpu-model "RTX 4090" --gpu-count 2
//	fleetrent account add --id renter-1 --role renter --balance 100
//	fleetrent token node-key gpu-box-1
//
// Run the agent on the node:
//
//	fleetrent agent --node-id gpu-box-1 --token nk_... --backend-url wss://fleet.example.com/fleet
//
// Rent it:
//
//	export FR_TOKEN=$(fleetrent token user renter-1)
//	fleetrent rental create --node gpu-box-1 --image pytorch/pytorch:latest --hours 2
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (config.yaml, see `fleetrent config init`)
//   - Environment variables (FR_ prefix)
//   - .env file
//
// # API Endpoints
//
// Rentals (renters and operators):
//   - POST /api/v1/rentals            - Request a rental
//   - GET  /api/v1/rentals            - List rentals (paginated)
//   - GET  /api/v1/rentals/:id        - Get a rental
//   - POST /api/v1/rentals/:id/stop   - Stop and settle a rental
//
// Nodes (operators):
//   - GET  /api/v1/nodes              - List nodes with session state
//   - GET  /api/v1/nodes/:id/metrics  - Recent heartbeat samples
//   - POST /api/v1/nodes/:id/drain    - Stop accepting rentals
//   - POST /api/v1/nodes/:id/config   - Push agent settings
//   - GET  /api/v1/ports              - Public port range usage
//
// Node gateway:
//   - GET /fleet                      - WebSocket session for node agents
//
// Operations:
//   - GET /health                     - Database and session health
//   - GET /metrics                    - Prometheus metrics
//   - GET /docs/*                     - Swagger UI and doc.json
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Build the binary:
//
//	go build -o fleetrent ./cmd/fleetrent
package fleetrent
