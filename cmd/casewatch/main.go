// Command casewatch ingests monitoring alerts, correlates them into cases and
// delivers case notifications.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
