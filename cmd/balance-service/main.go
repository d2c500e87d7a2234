/**
 * @description
 * This is the main entry point for the balance-service. The cobra root command
 * runs the HTTP server by default; `migrate` and `user create` are the
 * operational subcommands.
 */
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
