package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/fabric"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/sentinel"
)

var (
	routesUpstream string
	routesTimeout  time.Duration
	routesJSON     bool
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the routing table of a running sentinel",
	Long: `Attach to a running sentinel as a client and print the routes it knows.

Examples:
  fabric-sentinel routes
  fabric-sentinel routes --upstream tcp://sentinel:9000 --json`,
	Args: cobra.NoArgs,
	RunE: runRoutes,
}

func init() {
	routesCmd.Flags().StringVar(&routesUpstream, "upstream", "ws://localhost:8700/", "sentinel url (ws://, wss:// or tcp://)")
	routesCmd.Flags().DurationVar(&routesTimeout, "timeout", 10*time.Second, "how long to wait for the sentinel")
	routesCmd.Flags().BoolVar(&routesJSON, "json", false, "print routes as JSON")
	rootCmd.AddCommand(routesCmd)
}

func runRoutes(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), routesTimeout)
	defer cancel()

	routes, err := fetchRoutes(ctx, routesUpstream)
	if err != nil {
		return err
	}
	if routesJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(routes)
	}
	printRoutes(cmd.OutOrStdout(), routes)
	return nil
}

// fetchRoutes attaches a throwaway client node to the sentinel at url and
// asks it for its table.
func fetchRoutes(ctx context.Context, url string) ([]envelope.Route, error) {
	f, err := fabric.New(
		fabric.WithUpstreamURL(url),
		fabric.WithLogger(logging.Discard()),
	)
	if err != nil {
		return nil, fmt.Errorf("attach to %s: %w", url, err)
	}
	defer f.Close()

	target := envelope.NewAddress("sentinel", f.Sentinel())
	var routes []envelope.Route
	if err := f.RemoteByAddress(target).CallInto(ctx, sentinel.OpRoutes, nil, &routes); err != nil {
		return nil, fmt.Errorf("routes from %s: %w", target, err)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Address < routes[j].Address })
	return routes, nil
}

func printRoutes(w io.Writer, routes []envelope.Route) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tHOPS\tCAPABILITIES")
	for _, r := range routes {
		caps := make([]string, len(r.Capabilities))
		for i, c := range r.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Address, r.Hops, strings.Join(caps, ","))
	}
	tw.Flush()
}
