package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"evalgo.org/fleetrent/models"
	"evalgo.org/fleetrent/pkg/client"
)

var rentalCmd = &cobra.Command{
	Use:   "rental",
	Short: "Create, inspect and stop rentals",
	Long: `Call the rental API of a running fleetrent server.

The user token is read from --token or FR_TOKEN.`,
}

var apiFlags struct {
	server string
	token  string
}

var createFlags struct {
	node     string
	image    string
	hours    string
	gpus     []string
	cpus     int
	ram      string
	disk     string
	env      map[string]string
	renterID string
}

var listFlags struct {
	status string
	renter string
	limit  int
	offset int
}

var rentalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Request a rental",
	Long: `Request a rental of a node. The rental is PENDING until the node
confirms the container started.

Examples:
  fleetrent rental create --node gpu-box-1 --image pytorch/pytorch:latest --hours 2
  fleetrent rental create --node gpu-box-1 --image nvidia/cuda:12.2.0-base-ubuntu22.04 \
    --hours 0.5 --gpus 0,1 --cpus 8 --ram 32g --env WANDB_MODE=offline`,
	Args: cobra.NoArgs,
	RunE: runRentalCreate,
}

var rentalGetCmd = &cobra.Command{
	Use:   "get [rental-id]",
	Short: "Show a rental",
	Args:  cobra.ExactArgs(1),
	RunE:  runRentalGet,
}

var rentalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rentals",
	Args:  cobra.NoArgs,
	RunE:  runRentalList,
}

var rentalStopCmd = &cobra.Command{
	Use:   "stop [rental-id]",
	Short: "Stop and settle a rental",
	Args:  cobra.ExactArgs(1),
	RunE:  runRentalStop,
}

func init() {
	addAPIFlags(rentalCmd)

	f := rentalCreateCmd.Flags()
	f.StringVar(&createFlags.node, "node", "", "node to rent")
	f.StringVar(&createFlags.image, "image", "", "container image")
	f.StringVar(&createFlags.hours, "hours", "1", "estimated duration in hours")
	f.StringSliceVar(&createFlags.gpus, "gpus", nil, "GPU indices to expose")
	f.IntVar(&createFlags.cpus, "cpus", 0, "CPU cores")
	f.StringVar(&createFlags.ram, "ram", "", "memory limit, e.g. 16g")
	f.StringVar(&createFlags.disk, "disk", "", "disk limit, e.g. 100g")
	f.StringToStringVar(&createFlags.env, "env", nil, "container environment (KEY=VALUE)")
	f.StringVar(&createFlags.renterID, "renter", "", "renter to bill (operators only)")
	_ = rentalCreateCmd.MarkFlagRequired("node")  //nolint:errcheck
	_ = rentalCreateCmd.MarkFlagRequired("image") //nolint:errcheck

	rentalListCmd.Flags().StringVar(&listFlags.status, "status", "", "filter by status (PENDING, ACTIVE, COMPLETED, CANCELLED)")
	rentalListCmd.Flags().StringVar(&listFlags.renter, "renter", "", "list another renter's rentals (operators only)")
	rentalListCmd.Flags().IntVar(&listFlags.limit, "limit", 0, "page size")
	rentalListCmd.Flags().IntVar(&listFlags.offset, "offset", 0, "page offset")

	rentalCmd.AddCommand(rentalCreateCmd)
	rentalCmd.AddCommand(rentalGetCmd)
	rentalCmd.AddCommand(rentalListCmd)
	rentalCmd.AddCommand(rentalStopCmd)
}

func addAPIFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&apiFlags.server, "server", "", "server URL (default: http://localhost:<server.port>)")
	cmd.PersistentFlags().StringVar(&apiFlags.token, "token", "", "user token (default: $FR_TOKEN)")
}

func apiClient() (*client.Client, error) {
	server := apiFlags.server
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	token := apiFlags.token
	if token == "" {
		token = os.Getenv("FR_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("a user token is required (--token or FR_TOKEN)")
	}
	return client.New(server, client.WithToken(token))
}

func runRentalCreate(cmd *cobra.Command, args []string) error {
	hours, err := decimal.NewFromString(createFlags.hours)
	if err != nil {
		return fmt.Errorf("invalid --hours %q: %w", createFlags.hours, err)
	}

	c, err := apiClient()
	if err != nil {
		return err
	}

	r, err := c.CreateRental(cmd.Context(), client.CreateRentalRequest{
		RenterID: createFlags.renterID,
		NodeID:   createFlags.node,
		Image:    createFlags.image,
		ResourceLimits: models.ResourceLimits{
			GPUIndices: createFlags.gpus,
			CPUCores:   createFlags.cpus,
			RAMLimit:   createFlags.ram,
			DiskLimit:  createFlags.disk,
		},
		EnvVars:        createFlags.env,
		EstimatedHours: hours,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), r)
}

func runRentalGet(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	r, err := c.GetRental(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), r)
}

func runRentalStop(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	r, err := c.StopRental(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), r)
}

func runRentalList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	page, err := c.ListRentals(cmd.Context(), client.ListOptions{
		Limit:    listFlags.limit,
		Offset:   listFlags.offset,
		Status:   models.RentalStatus(listFlags.status),
		RenterID: listFlags.renter,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNODE\tSTATUS\tIMAGE\tCOST/H\tTOTAL")
	for _, r := range page.Items {
		total := "-"
		if r.TotalCost.Valid {
			total = r.TotalCost.Decimal.StringFixed(2)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.NodeID, r.Status, r.Image, r.CostPerHour.StringFixed(2), total)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d\n", page.Count, page.Total)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
