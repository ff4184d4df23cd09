// granaryctl is the operator CLI for a running Granary coordinator. It
// wraps the coordinator's admin HTTP endpoints: inspecting the shard
// catalog, flipping read-only mode, switching the routing algorithm,
// triggering rebalances, resetting circuit breakers, and tuning scaling
// thresholds.
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

var coordinatorURL string

func main() {
	root := &cobra.Command{
		Use:           "granaryctl",
		Short:         "Operate a Granary coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&coordinatorURL, "coordinator", envOr("COORDINATOR_ADDR", "http://localhost:8080"), "coordinator base URL")

	root.AddCommand(shardsCmd(), routingCmd(), rebalanceCmd(), breakerCmd(), thresholdsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func shardsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shards",
		Short: "Inspect and manage registered shards",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every shard, retired shards included",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := get("/shards")
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	})

	var readOnly bool
	readonlyCmd := &cobra.Command{
		Use:   "readonly <shard-id>",
		Short: "Set or clear a shard's read-only mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := atoiArg(args[0])
			if err != nil {
				return err
			}
			return post("/admin/shards/readonly", map[string]any{
				"shard_id":  id,
				"read_only": readOnly,
			})
		},
	}
	readonlyCmd.Flags().BoolVar(&readOnly, "set", true, "desired read-only state")
	cmd.AddCommand(readonlyCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "deregister <shard-id>",
		Short: "Retire a shard from routing (its record stays in the catalog)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := atoiArg(args[0])
			if err != nil {
				return err
			}
			return post("/admin/shards/deregister", map[string]any{"shard_id": id})
		},
	})

	return cmd
}

func routingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routing <algorithm>",
		Short: "Switch the load-balancing algorithm",
		Long: `Switch the coordinator's load-balancing algorithm at runtime.

Algorithms: round_robin, weighted_round_robin, least_connections,
resource_based, response_time, hash, geographic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post("/admin/routing", map[string]any{"algorithm": args[0]})
		},
	}
}

func rebalanceCmd() *cobra.Command {
	var fraction float64
	cmd := &cobra.Command{
		Use:   "rebalance <source-shard-id> <target-shard-id>",
		Short: "Move a fraction of a shard's records to another shard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := atoiArg(args[0])
			if err != nil {
				return err
			}
			target, err := atoiArg(args[1])
			if err != nil {
				return err
			}
			body, err := postBody("/admin/rebalance", map[string]any{
				"source_shard_id": source,
				"target_shard_id": target,
				"fraction":        fraction,
			})
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	cmd.Flags().Float64Var(&fraction, "fraction", 0.5, "fraction of source records to move, in (0, 1]")
	return cmd
}

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Manage per-shard circuit breakers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <shard-id>",
		Short: "Force a shard's breaker back to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := atoiArg(args[0])
			if err != nil {
				return err
			}
			return post("/admin/breaker/reset", map[string]any{"shard_id": id})
		},
	})
	return cmd
}

func thresholdsCmd() *cobra.Command {
	var storagePct float64
	var latencyMS int
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Tune the auto-scaling thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return post("/admin/thresholds", map[string]any{
				"storage_threshold":  storagePct,
				"latency_ceiling_ms": latencyMS,
			})
		},
	}
	cmd.Flags().Float64Var(&storagePct, "storage", 0, "storage percentage that triggers scale-out (0 = leave unchanged)")
	cmd.Flags().IntVar(&latencyMS, "latency-ms", 0, "average response time in ms that triggers scale-out (0 = leave unchanged)")
	return cmd
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func get(path string) ([]byte, error) {
	resp, err := httpClient.Get(coordinatorURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func post(path string, body any) error {
	_, err := postBody(path, body)
	if err == nil {
		fmt.Println("ok")
	}
	return err
}

func postBody(path string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Post(coordinatorURL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func printJSON(body []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func atoiArg(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid shard id %q", s)
	}
	return n, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
