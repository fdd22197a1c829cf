package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/upmio/redis-sentry/pkg/discovery"
	"github.com/upmio/redis-sentry/pkg/sentry"
	"github.com/upmio/redis-sentry/pkg/topology"
)

var watchTopology bool

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the discovered topology, optionally following updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *sentry.Client) error {
			snap := c.CurrentTopology()
			if err := printTopology(c.State(), snap); err != nil {
				return err
			}
			if !watchTopology {
				return nil
			}

			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			lastGen := snap.Generation
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					cur := c.CurrentTopology()
					if cur.Generation == lastGen {
						continue
					}
					lastGen = cur.Generation
					if err := printTopology(c.State(), cur); err != nil {
						return err
					}
				}
			}
		})
	},
}

func printTopology(state discovery.State, t topology.Topology) error {
	out, err := json.MarshalIndent(struct {
		State    discovery.State   `json:"state"`
		Topology topology.Topology `json:"topology"`
	}{state, t}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	topologyCmd.Flags().BoolVarP(&watchTopology, "watch", "w", false, "keep printing topology updates until interrupted")
	rootCmd.AddCommand(topologyCmd)
}
