package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"evalgo.org/fleetrent/models"
	"evalgo.org/fleetrent/pkg/client"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Register and manage nodes",
}

var nodeAddFlags struct {
	id       string
	owner    string
	name     string
	rate     string
	gpuModel string
	gpuCount int
	cpus     int
	ramGB    int
	diskGB   int
}

var nodeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a node in the database",
	Long: `Register a node directly in the configured database. The owner
account must exist. Issue the node a credential afterwards with
"fleetrent token node" or "fleetrent token node-key".`,
	Args: cobra.NoArgs,
	RunE: runNodeAdd,
}

var nodeListConnected bool

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes and their sessions (operators only)",
	Args:  cobra.NoArgs,
	RunE:  runNodeList,
}

var nodeDrainReason string

var nodeDrainCmd = &cobra.Command{
	Use:   "drain [node-id]",
	Short: "Stop a node from accepting new rentals (operators only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeDrain,
}

func init() {
	f := nodeAddCmd.Flags()
	f.StringVar(&nodeAddFlags.id, "id", "", "node id (default: generated)")
	f.StringVar(&nodeAddFlags.owner, "owner", "", "owner account id")
	f.StringVar(&nodeAddFlags.name, "name", "", "display name")
	f.StringVar(&nodeAddFlags.rate, "rate", "", "hourly rate")
	f.StringVar(&nodeAddFlags.gpuModel, "gpu-model", "", "GPU model")
	f.IntVar(&nodeAddFlags.gpuCount, "gpu-count", 0, "number of GPUs")
	f.IntVar(&nodeAddFlags.cpus, "cpus", 0, "CPU cores")
	f.IntVar(&nodeAddFlags.ramGB, "ram-gb", 0, "memory in GB")
	f.IntVar(&nodeAddFlags.diskGB, "disk-gb", 0, "disk in GB")
	_ = nodeAddCmd.MarkFlagRequired("owner") //nolint:errcheck
	_ = nodeAddCmd.MarkFlagRequired("rate")  //nolint:errcheck

	addAPIFlags(nodeListCmd)
	addAPIFlags(nodeDrainCmd)
	nodeListCmd.Flags().BoolVar(&nodeListConnected, "connected", false, "only nodes with a live session")
	nodeDrainCmd.Flags().StringVar(&nodeDrainReason, "reason", "", "reason shown to the node")

	nodeCmd.AddCommand(nodeAddCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeDrainCmd)
}

func runNodeAdd(cmd *cobra.Command, args []string) error {
	rate, err := decimal.NewFromString(nodeAddFlags.rate)
	if err != nil || rate.IsNegative() {
		return fmt.Errorf("invalid --rate %q", nodeAddFlags.rate)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if _, err := store.GetAccount(ctx, nodeAddFlags.owner); err != nil {
		return fmt.Errorf("owner %s: %w", nodeAddFlags.owner, err)
	}

	id := nodeAddFlags.id
	if id == "" {
		id = models.NewID()
	}
	node := &models.Node{
		ID:         id,
		OwnerID:    nodeAddFlags.owner,
		Name:       nodeAddFlags.name,
		Status:     models.NodeOffline,
		HourlyRate: rate,
		Specs: models.NodeSpecs{
			GPUModel: nodeAddFlags.gpuModel,
			GPUCount: nodeAddFlags.gpuCount,
			CPUCores: nodeAddFlags.cpus,
			RAMGB:    nodeAddFlags.ramGB,
			DiskGB:   nodeAddFlags.diskGB,
		},
	}
	if err := store.CreateNode(ctx, node); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered node %s (owner %s, %s/h)\n", node.ID, node.OwnerID, rate)
	return nil
}

func runNodeList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	page, err := c.ListNodes(cmd.Context(), client.ListOptions{ConnectedOnly: nodeListConnected})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tGPU\tRATE/H\tCONNECTED\tLAST SEEN")
	for _, n := range page.Items {
		seen := "-"
		if n.LastSeen != nil {
			seen = time.Since(*n.LastSeen).Truncate(time.Second).String() + " ago"
		}
		gpu := "-"
		if n.Specs.GPUCount > 0 {
			gpu = fmt.Sprintf("%dx %s", n.Specs.GPUCount, n.Specs.GPUModel)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			n.ID, n.Name, n.Status, gpu, n.HourlyRate.StringFixed(2), n.Connected, seen)
	}
	return w.Flush()
}

func runNodeDrain(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	d, err := c.DrainNode(cmd.Context(), args[0], nodeDrainReason)
	if err != nil {
		return err
	}
	if !d.Sent {
		return fmt.Errorf("node %s is not connected", d.NodeID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Drain sent to %s\n", d.NodeID)
	return nil
}
