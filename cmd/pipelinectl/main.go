// Command pipelinectl is the operator CLI for the session projector: schema
// migrations, queue inspection, dead-letter requeue, and API key provisioning.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
