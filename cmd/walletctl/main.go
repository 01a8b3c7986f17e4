// Command walletctl is a thin admin CLI over the tracked-wallet endpoints
// of the wallet snapshot engine's HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiBase string
	client  = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:   "walletctl",
		Short: "Administer tracked wallets on a running wallet snapshot engine",
	}
	root.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "base URL of the running engine")

	root.AddCommand(addCmd(), removeCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd() *cobra.Command {
	var chains []string
	cmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Register a wallet for proactive refresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]any{"address": args[0], "chains": chains})
			return doRequest(http.MethodPost, "/api/wallets/add-wallet", bytes.NewReader(body))
		},
	}
	cmd.Flags().StringSliceVar(&chains, "chains", nil, "comma-separated chain names to track on")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <address>",
		Short: "Stop proactively refreshing a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(http.MethodDelete, "/api/wallets/remove-wallet/"+args[0], nil)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(http.MethodGet, "/api/wallets/get-wallet", nil)
		},
	}
}

func doRequest(method, path string, body io.Reader) error {
	req, err := http.NewRequest(method, strings.TrimRight(apiBase, "/")+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	return nil
}
