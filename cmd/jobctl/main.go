// Package main implements jobctl, the command-line client for jobcored.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/jobcore/internal/http"
)

var (
	// serverURL is the base URL of the jobcored HTTP API
	serverURL string
	// requestTimeout bounds every non-streaming request
	requestTimeout time.Duration
	outputJSONFlag bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "CLI for the jobcored job API",
	Long: `jobctl submits and inspects agent jobs on a jobcored server, and checks
conflicted files locally with the same validation battery the service uses.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "jobcored server URL")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSONFlag, "json", false, "Output results as JSON")
	rootCmd.AddCommand(healthCmd)
}

// apiResponse mirrors the server envelope with the payload left raw.
type apiResponse struct {
	Data  json.RawMessage   `json:"data,omitempty"`
	Error *httpapi.APIError `json:"error,omitempty"`
}

// apiError is returned for non-2xx responses carrying an error envelope.
type apiError struct {
	Status int
	API    httpapi.APIError
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "server returned %d: %s", e.Status, e.API.Message)
	for _, d := range e.API.Details {
		fmt.Fprintf(&b, "\n  %s: %s", d.Field, d.Message)
	}
	if bd := e.API.Budget; bd != nil {
		fmt.Fprintf(&b, "\n  %s budget %q: %d of %d used, %d remaining",
			bd.Scope, bd.Key, bd.Current, bd.Limit, bd.Remaining)
	}
	return b.String()
}

// call sends a JSON request and decodes the envelope's data into out.
// out may be nil.
func call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := strings.TrimSuffix(serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if env.Error != nil {
			return &apiError{Status: resp.StatusCode, API: *env.Error}
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check jobcored health",
	Long: `Check the health of the jobcored server and print queue depth per priority.

Examples:
  jobctl health
  jobctl health --server http://jobcore.internal:8080`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

// runHealth reads /health directly: a degraded server answers 503 with a
// body that is still worth printing.
func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	url := strings.TrimSuffix(serverURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	var health httpapi.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if outputJSONFlag {
		if err := outputJSON(cmd, health); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server Status: %s\n", health.Status)
		fmt.Fprintf(out, "Server URL: %s\n", serverURL)
		for _, p := range []string{"high", "normal", "low"} {
			fmt.Fprintf(out, "Queue %-6s %d\n", p+":", health.Queue[p])
		}
		for name, status := range health.Components {
			fmt.Fprintf(out, "Component %s: %s\n", name, status)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server is %s", health.Status)
	}
	return nil
}
