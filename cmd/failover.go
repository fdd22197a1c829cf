package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upmio/redis-sentry/pkg/failover"
	"github.com/upmio/redis-sentry/pkg/sentry"
)

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Force a master handover and verify the new topology",
	Long: `failover asks one reachable sentinel to replace the current master and then
waits for discovery to observe a topology generation with a different master
address. The command reports succeeded, rejected or timed-out; it never
retries a rejected or timed-out handover on its own.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *sentry.Client) error {
			pre, err := c.ResolveMaster()
			if err != nil {
				return err
			}
			fmt.Printf("current master: %s\n", pre)

			outcome, err := c.ForceFailover(ctx)
			if outcome == failover.OutcomeSucceeded {
				addr, _ := c.ResolveMaster()
				fmt.Printf("failover succeeded: master is now %s\n", addr)
				return nil
			}
			fmt.Printf("failover %s\n", outcome)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(failoverCmd)
}
