package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sharedllm/sharedllm/internal/domain"
)

func init() {
	approveCmd.Flags().StringVar(&approveRole, "role", "", "Role id to bind (defaults to role-guest)")
	devicesCmd.AddCommand(approveCmd)
	devicesCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(devicesCmd)
}

var approveRole string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	RunE:  runDevices,
}

var approveCmd = &cobra.Command{
	Use:   "approve <device-id>",
	Short: "Approve a pending device",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var denyCmd = &cobra.Command{
	Use:   "deny <device-id>",
	Short: "Deny a pending device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDevices(cmd *cobra.Command, args []string) error {
	base, client := controllerClient()

	resp, err := client.Get(base + "/api/devices")
	if err != nil {
		return fmt.Errorf("controller not reachable at %s (is `sharedllm serve` running?)", base)
	}
	defer resp.Body.Close()

	var body struct {
		Devices []domain.Device `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode devices: %w", err)
	}

	if len(body.Devices) == 0 {
		fmt.Println("No devices registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tIP\tSTATUS\tROLE\tALLOCATED MB")
	for _, d := range body.Devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			d.ID, d.Name, d.IP, d.Status, d.RoleID, d.AllocatedMB)
	}
	return w.Flush()
}

func runApprove(cmd *cobra.Command, args []string) error {
	base, client := controllerClient()

	payload := "{}"
	if approveRole != "" {
		payload = fmt.Sprintf(`{"role_id":%q}`, approveRole)
	}
	resp, err := client.Post(base+"/api/devices/"+args[0]+"/approve",
		"application/json", strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("controller not reachable at %s", base)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return controllerError(resp)
	}
	fmt.Println("Device approved.")
	return nil
}

func runDeny(cmd *cobra.Command, args []string) error {
	base, client := controllerClient()

	resp, err := client.Post(base+"/api/devices/"+args[0]+"/deny", "application/json", nil)
	if err != nil {
		return fmt.Errorf("controller not reachable at %s", base)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return controllerError(resp)
	}
	fmt.Println("Device denied.")
	return nil
}

func controllerError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("controller returned HTTP %d", resp.StatusCode)
}
