// cosyncd - local-first CoValue sync daemon
//
// A node keeps CoValues in local storage and syncs them with its peers
// over WebSocket:
//
//	cosyncd run              Run the sync daemon
//	cosyncd keygen           Create the agent key this node signs with
//	cosyncd inspect <id>     Dump a stored CoValue as JSON
//	cosyncd version          Print the version
package main

import (
	"fmt"
	"os"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cosyncd: %v\n", err)
		os.Exit(1)
	}
}
