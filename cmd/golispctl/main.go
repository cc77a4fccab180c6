// golispctl -- management CLI for the golispd daemon.
package main

import (
	"os"

	"github.com/dantte-lp/golispd/cmd/golispctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
