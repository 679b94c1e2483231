package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show liveness and readiness of the daemon",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	healthy := true
	for _, path := range []string{"/healthz", "/readyz"} {
		code, body, err := probe(cmd.Context(), path)
		if err != nil {
			printError(path, err)
			return err
		}
		mark := "[+]"
		if code != http.StatusOK {
			mark = "[-]"
			healthy = false
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-9s %d %s\n", mark, path, code, body)
	}
	if !healthy {
		return fmt.Errorf("daemon not ready")
	}
	return nil
}

func probe(ctx context.Context, path string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+path, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}
