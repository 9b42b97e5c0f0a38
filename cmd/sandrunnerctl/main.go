// Command sandrunnerctl is the admin CLI for the sandrunner service: it
// manages API keys over the running daemon's admin HTTP API, authenticating
// with the master key.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverFlag    string
	masterKeyFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sandrunnerctl",
		Short: "Admin CLI for the sandrunner execution service",
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "http://localhost:8080", "sandrunner admin API base URL")
	rootCmd.PersistentFlags().StringVar(&masterKeyFlag, "master-key", os.Getenv("MASTER_API_KEY"), "master API key (defaults to $MASTER_API_KEY)")

	rootCmd.AddCommand(
		createCmd(),
		listCmd(),
		showCmd(),
		revokeCmd(),
		updateCmd(),
		usageCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sandrunnerctl:", err)
		os.Exit(1)
	}
}

type adminClient struct {
	baseURL   string
	masterKey string
	http      *http.Client
}

func newAdminClient() (*adminClient, error) {
	if masterKeyFlag == "" {
		return nil, fmt.Errorf("master key required: set MASTER_API_KEY or pass --master-key")
	}
	return &adminClient{
		baseURL:   serverFlag,
		masterKey: masterKeyFlag,
		http:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *adminClient) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-admin-key", c.masterKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	return resp, nil
}

// printResponseJSON decodes and pretty-prints resp's JSON body to stdout,
// returning an error if the status code indicates failure.
func printResponseJSON(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func createCmd() *cobra.Command {
	var (
		name    string
		hourly  int
		daily   int
		monthly int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			c, err := newAdminClient()
			if err != nil {
				return err
			}

			req := map[string]any{"name": name, "rate_limits": rateLimitPayload(hourly, daily, monthly)}
			resp, err := c.do(http.MethodPost, "/admin/keys", req)
			if err != nil {
				return err
			}
			return printResponseJSON(resp)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable label for the key")
	cmd.Flags().IntVar(&hourly, "hourly-limit", 0, "hourly request cap (0 = unlimited)")
	cmd.Flags().IntVar(&daily, "daily-limit", 0, "daily request cap (0 = unlimited)")
	cmd.Flags().IntVar(&monthly, "monthly-limit", 0, "monthly request cap (0 = unlimited)")
	return cmd
}

func rateLimitPayload(hourly, daily, monthly int) map[string]any {
	limits := map[string]any{}
	if hourly > 0 {
		limits["hourly"] = hourly
	}
	if daily > 0 {
		limits["daily"] = daily
	}
	if monthly > 0 {
		limits["monthly"] = monthly
	}
	return limits
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			resp, err := c.do(http.MethodGet, "/admin/keys", nil)
			if err != nil {
				return err
			}
			return printResponseJSON(resp)
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key-hash>",
		Short: "Show one API key's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			resp, err := c.do(http.MethodGet, "/admin/keys", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				raw, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(raw))
			}

			var records []map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			for _, rec := range records {
				if rec["key_hash"] == args[0] {
					pretty, _ := json.MarshalIndent(rec, "", "  ")
					fmt.Println(string(pretty))
					return nil
				}
			}
			return fmt.Errorf("no key with hash %s", args[0])
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-hash>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			resp, err := c.do(http.MethodDelete, "/admin/keys/"+args[0], nil)
			if err != nil {
				return err
			}
			return printResponseJSON(resp)
		},
	}
}

func updateCmd() *cobra.Command {
	var (
		enable  bool
		disable bool
		rename  string
	)

	cmd := &cobra.Command{
		Use:   "update <key-hash>",
		Short: "Update an API key's name or enabled state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			c, err := newAdminClient()
			if err != nil {
				return err
			}

			req := map[string]any{}
			if enable {
				req["enabled"] = true
			}
			if disable {
				req["enabled"] = false
			}
			if rename != "" {
				req["name"] = rename
			}

			resp, err := c.do(http.MethodPatch, "/admin/keys/"+args[0], req)
			if err != nil {
				return err
			}
			return printResponseJSON(resp)
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "re-enable the key")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the key")
	cmd.Flags().StringVar(&rename, "name", "", "new name for the key")
	return cmd
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <key-hash>",
		Short: "Show an API key's current rate-limit window usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAdminClient()
			if err != nil {
				return err
			}
			resp, err := c.do(http.MethodGet, "/admin/keys/"+args[0]+"/usage", nil)
			if err != nil {
				return err
			}
			return printResponseJSON(resp)
		},
	}
}
