package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carrelhq/carrel/internal/cli/health"
	"github.com/carrelhq/carrel/internal/cli/output"
)

var (
	statusOutput  string
	statusPidFile string
	statusPort    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the current status of the carrel server.

This command checks the liveness and readiness probes and reports whether
the server is running and whether its store is reachable.

Examples:
  # Check status (uses default settings)
  carrel status

  # Check status with custom server port
  carrel status --port 9080

  # Output as JSON
  carrel status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/carrel/carrel.pid)")
	statusCmd.Flags().IntVar(&statusPort, "port", 8080, "API server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServerStatus represents the server status information.
type ServerStatus struct {
	Running      bool   `json:"running" yaml:"running"`
	PID          int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Ready        bool   `json:"ready" yaml:"ready"`
	StoreLatency string `json:"store_latency,omitempty" yaml:"store_latency,omitempty"`
	Message      string `json:"message" yaml:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := ServerStatus{
		Running: false,
		Ready:   false,
		Message: "Server is not running",
	}

	// Use default PID file if not specified
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check PID file first
	pidData, err := os.ReadFile(pidPath)
	if err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil {
			// Check if process is running
			process, err := os.FindProcess(pid)
			if err == nil {
				// On Unix, FindProcess always succeeds, we need to send signal 0 to check
				err = process.Signal(syscall.Signal(0))
				if err == nil {
					status.Running = true
					status.PID = pid
				}
			}
		}
	}

	// Probe the server (works for both daemon and foreground mode)
	client := &http.Client{Timeout: 2 * time.Second}

	var live health.Liveness
	if probeJSON(client, fmt.Sprintf("http://localhost:%d/healthz", statusPort), &live) {
		status.Running = true
		status.Message = "Server is running"

		var ready health.Readiness
		if probeJSON(client, fmt.Sprintf("http://localhost:%d/readyz", statusPort), &ready) {
			status.Ready = ready.Status == "ok"
			status.StoreLatency = ready.Latency
			if status.Ready {
				status.Message = "Server is running and ready"
			} else {
				status.Message = fmt.Sprintf("Server is running but not ready: %s", ready.Reason)
			}
		}
	} else if status.Running {
		// PID file says running but probes failed
		status.Message = "Server process exists but probes failed"
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatusTable(status)
	}

	return nil
}

// probeJSON fetches url and decodes the body into out, regardless of the
// status code. Returns false when the server did not answer.
func probeJSON(client *http.Client, url string, out any) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

func printStatusTable(status ServerStatus) {
	fmt.Println()
	fmt.Println("Carrel Server Status")
	fmt.Println("====================")
	fmt.Println()

	if status.Running {
		if status.Ready {
			fmt.Printf("  Status:     \033[32m● Running\033[0m\n")
		} else {
			fmt.Printf("  Status:     \033[33m● Running (not ready)\033[0m\n")
		}
		if status.PID != 0 {
			fmt.Printf("  PID:        %d\n", status.PID)
		}
		if status.StoreLatency != "" {
			fmt.Printf("  Store:      reachable (%s)\n", status.StoreLatency)
		}
	} else {
		fmt.Printf("  Status:     \033[31m○ Stopped\033[0m\n")
	}

	fmt.Println()
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
}
