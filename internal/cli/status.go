package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sharedllm/sharedllm/internal/daemon"
	"github.com/sharedllm/sharedllm/internal/supervisor"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster status from the running controller",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, client := controllerClient()

	resp, err := client.Get(base + "/api/cluster/status")
	if err != nil {
		return fmt.Errorf("controller not reachable at %s (is `sharedllm serve` running?)", base)
	}
	defer resp.Body.Close()

	var body struct {
		Devices []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			IP            string `json:"ip"`
			AgentPort     int    `json:"rpc_port"`
			AgentStatus   string `json:"rpc_status"`
			MemoryTotalMB int64  `json:"memory_total_mb"`
			MemoryFreeMB  int64  `json:"memory_free_mb"`
		} `json:"devices"`
		Supervisor supervisor.Status `json:"supervisor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Printf("RPC agent:        %s (port %d)\n", onOff(body.Supervisor.AgentRunning), body.Supervisor.AgentPort)
	fmt.Printf("Inference engine: %s (port %d)\n", onOff(body.Supervisor.EngineRunning), body.Supervisor.EnginePort)
	if s := body.Supervisor.Session; s != nil {
		fmt.Printf("Session:          %s  model=%s  peers=%d\n", s.ID, s.ModelPath, len(s.RPCDevices))
	}

	if len(body.Devices) == 0 {
		fmt.Println("\nNo approved devices.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tAGENT\tFREE MB\tTOTAL MB")
	for _, d := range body.Devices {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%d\t%d\n",
			d.Name, d.IP, d.AgentPort, d.AgentStatus, d.MemoryFreeMB, d.MemoryTotalMB)
	}
	return w.Flush()
}

func controllerClient() (string, *http.Client) {
	cfg, err := daemon.LoadConfig()
	port := 8080
	if err == nil {
		port = cfg.API.Port
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), &http.Client{Timeout: 5 * time.Second}
}

func onOff(v bool) string {
	if v {
		return "running"
	}
	return "stopped"
}
