// ktunnel is the command line client and server for WebSocket tunnels.
package main

import (
	"fmt"
	"os"

	"github.com/luciancaetano/ktunnel/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
