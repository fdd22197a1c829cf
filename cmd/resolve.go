package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upmio/redis-sentry/pkg/sentry"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the address of the current writable master",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *sentry.Client) error {
			addr, err := c.ResolveMaster()
			if err != nil {
				return err
			}
			fmt.Println(addr)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
