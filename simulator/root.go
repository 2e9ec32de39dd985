package main

import (
	"errors"
	"net/http"
	"os"
	"time"

	"batch-pipeline/pkg/httpapi"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

// app holds state shared by every subcommand.
type app struct {
	apiURL  string
	timeout time.Duration
	client  *httpapi.Client
}

// NewRootCmd creates the simulator command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "simulator",
		Short:         "Submit and follow batches against the batch API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if a.timeout <= 0 {
				return errors.New("--timeout must be positive")
			}
			a.client = httpapi.NewClient(a.apiURL, &http.Client{Timeout: a.timeout})
			return nil
		},
	}

	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	cmd.PersistentFlags().StringVar(&a.apiURL, "api", apiURL, "base URL of the batch API (env API_URL)")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "timeout of each API request")

	cmd.AddCommand(
		newUploadsCmd(a),
		newPayoutsCmd(a),
		newLoadCmd(a),
		newWatchCmd(a),
		newStartCmd(a),
		newCancelCmd(a),
		newSummaryCmd(a),
		newPurgeCmd(a),
		newRetryCmd(a),
		newEventsCmd(),
	)
	return cmd
}
