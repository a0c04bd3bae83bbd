// Command stackpilot runs the deployment engine: the API server, the build
// worker and their maintenance tasks.
package main

import (
	"errors"
	"os"
)

func main() {
	rootCmd := newRoot().Command()
	if cmd, err := rootCmd.ExecuteC(); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			cmd.Println("")
			cmd.Println(cmd.UsageString())
		}
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
