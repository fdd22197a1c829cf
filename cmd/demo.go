package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/upmio/redis-sentry/pkg/demo"
	"github.com/upmio/redis-sentry/pkg/sentry"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run scripted example workloads through the coordinator",
	Long: `The demo subcommands push small scripted workloads (sessions, a TTL cache,
counters) through the connection pool. Kill the master mid-run to watch the
pool follow the failover.`,
}

var demoSessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create, read, list and delete sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *sentry.Client) error {
			sessions := demo.NewSessionStore(c, time.Hour)

			alice, err := sessions.Create(ctx, "alice", map[string]string{"role": "admin"})
			if err != nil {
				return err
			}
			fmt.Printf("created session %s for alice\n", alice)

			bob, err := sessions.Create(ctx, "bob", nil)
			if err != nil {
				return err
			}
			fmt.Printf("created session %s for bob\n", bob)

			sess, err := sessions.Get(ctx, alice)
			if err != nil {
				return err
			}
			fmt.Printf("loaded session %s: user=%s created=%s\n",
				alice, sess.Username, sess.CreatedAt.Format(time.RFC3339))

			ids, err := sessions.List(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d live session(s)\n", len(ids))

			if err := sessions.Delete(ctx, bob); err != nil {
				return err
			}
			fmt.Printf("deleted session %s\n", bob)
			return nil
		})
	},
}

var demoCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Exercise the TTL cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *sentry.Client) error {
			cache := demo.NewCache(c)

			if err := cache.Set(ctx, "greeting", "hello", time.Minute); err != nil {
				return err
			}
			value, remaining, err := cache.Get(ctx, "greeting")
			if err != nil {
				return err
			}
			fmt.Printf("cache hit: greeting=%q ttl=%s\n", value, remaining)

			if err := cache.Delete(ctx, "greeting"); err != nil {
				return err
			}
			if _, _, err := cache.Get(ctx, "greeting"); err == demo.ErrNotFound {
				fmt.Println("cache miss after delete, as expected")
				return nil
			}
			return fmt.Errorf("expected a cache miss after delete")
		})
	},
}

var demoCounterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Exercise shared counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *sentry.Client) error {
			counters := demo.NewCounters(c)

			for _, page := range []string{"home", "home", "about", "home", "products"} {
				if _, err := counters.Add(ctx, "page_views_"+page, 1); err != nil {
					return err
				}
			}
			for _, page := range []string{"home", "about", "products"} {
				n, err := counters.Get(ctx, "page_views_"+page)
				if err != nil {
					return err
				}
				fmt.Printf("page_views_%s = %d\n", page, n)
			}
			if err := counters.Reset(ctx, "page_views_home"); err != nil {
				return err
			}
			fmt.Println("reset page_views_home")
			return nil
		})
	},
}

func init() {
	demoCmd.AddCommand(demoSessionCmd, demoCacheCmd, demoCounterCmd)
	rootCmd.AddCommand(demoCmd)
}
