// Command polish runs the automated code-quality improvement engine:
// score, improve, commit or roll back, repeat until the target is
// reached or progress stalls. `polish run` drives a local project;
// `polish serve` runs the Postgres-backed session server.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFatal)
	}
}
