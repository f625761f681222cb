// Command ethosctl is a thin CLI client for an ethosd socket, following
// spec.md §6's request-verb shapes. It is a CLI wrapper around the wire
// protocol, not a reimplementation of it — every verb goes over the same
// length-prefixed msgpack socket real agent runtimes speak.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modernmethod/ethos/pkg/transport/socket"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ethosctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "ethosctl",
		Short: "Command-line client for an ethosd memory engine",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/ethos.sock", "path to the ethosd Unix domain socket")

	root.AddCommand(
		newPingCmd(&socketPath),
		newHealthCmd(&socketPath),
		newIngestCmd(&socketPath),
		newSearchCmd(&socketPath),
		newConsolidateCmd(&socketPath),
		newEmbedCmd(&socketPath),
	)
	return root
}

func newPingCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that ethosd is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(*socketPath, "ping", nil)
		},
	}
}

func newHealthCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report store/socket health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(*socketPath, "health", nil)
		},
	}
}

func newIngestCmd(socketPath *string) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "ingest <content>",
		Short: "Ingest a conversation turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(*socketPath, "ingest", map[string]any{
				"content": args[0],
				"source":  source,
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "user", "role the content originated from (user, assistant, system, tool)")
	return cmd
}

func newSearchCmd(socketPath *string) *cobra.Command {
	var (
		limit        int
		useSpreading bool
		minScore     float64
		jsonOut      bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"query":         args[0],
				"limit":         limit,
				"use_spreading": useSpreading,
			}
			if minScore > 0 {
				payload["min_score"] = minScore
			}

			client := socket.NewClient(*socketPath)
			defer client.Close()
			env, err := client.Call("search", payload)
			if err != nil {
				return err
			}
			if env.Status == "error" {
				return fmt.Errorf("search failed: %s", env.Error)
			}

			if jsonOut {
				return printCLIWireFormat(env.Data)
			}
			return printHuman(env.Data)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum results (clamped server-side to [1,20])")
	cmd.Flags().BoolVar(&useSpreading, "spreading", false, "enable spreading-activation scoring")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "drop results below this score")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the external memory-search JSON wire format")
	return cmd
}

func newConsolidateCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Trigger a consolidation cycle on demand, ignoring the idle gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(*socketPath, "consolidate", nil)
		},
	}
}

func newEmbedCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "embed <vector-id>",
		Short: "Manually re-fill an embedding by vector id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(*socketPath, "embed", map[string]any{"id": args[0]})
		},
	}
}

func callAndPrint(socketPath, verb string, payload map[string]any) error {
	client := socket.NewClient(socketPath)
	defer client.Close()
	env, err := client.Call(verb, payload)
	if err != nil {
		return err
	}
	if env.Status == "error" {
		return fmt.Errorf("%s failed: %s", verb, env.Error)
	}
	return printHuman(env.Data)
}

func printHuman(data any) error {
	m, ok := data.(map[string]any)
	if !ok {
		fmt.Printf("%v\n", data)
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for _, k := range keys {
		fmt.Printf("%-16s %v\n", k+":", m[k])
	}
	return nil
}

// cliWireHit is one element of the external memory-search compatibility
// format (spec.md §6): docid/score/file/title/snippet, nothing else.
type cliWireHit struct {
	DocID   string  `json:"docid"`
	Score   float64 `json:"score"`
	File    string  `json:"file"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
}

// printCLIWireFormat renders search results in the literal external format
// required by spec.md §6, independent of whatever shape transport.Core's
// generic search response uses.
func printCLIWireFormat(data any) error {
	hits, err := collectWireHits(data)
	if err != nil {
		return err
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// collectWireHits converts a generic search response into the literal
// external memory-search format (spec.md §6). Split out from
// printCLIWireFormat so the conversion itself is unit-testable without a
// live socket.
func collectWireHits(data any) ([]cliWireHit, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected search response shape")
	}
	results, _ := m["results"].([]any)

	hits := make([]cliWireHit, 0, len(results))
	for _, r := range results {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(row, "id")
		content := stringField(row, "content")
		hits = append(hits, cliWireHit{
			DocID:   docIDFromUUID(id),
			Score:   floatField(row, "score"),
			File:    "ethos://memory/" + id,
			Title:   truncate(firstNonEmptyLine(content), 60),
			Snippet: "@@ -1,4 @@\n\n" + truncate(content, 300),
		})
	}
	return hits, nil
}

func docIDFromUUID(id string) string {
	stripped := strings.ReplaceAll(id, "-", "")
	if len(stripped) > 6 {
		stripped = stripped[:6]
	}
	return "#" + stripped
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		f, _ := strconv.ParseFloat(fmt.Sprintf("%v", v), 64)
		return f
	}
}

