// redis-sentry discovers and follows the writable master of a
// sentinel-monitored Redis service.
package main

import "github.com/upmio/redis-sentry/cmd"

func main() {
	cmd.Execute()
}
