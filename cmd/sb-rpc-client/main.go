// Command sb-rpc-client sends a single RPC message to the coordinator
// and exits nonzero if the coordinator reports failure, the Go analog
// of a build step implemented as a callback in the coordinator process
// rather than as a subprocess command.
//
// Grounded on original_source/sourcery/commands/rpc_client.py.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sourcerytools/sbgo/internal/rpc"
)

func main() {
	sockdir := flag.String("sockdir", "", "RPC socket directory")
	message := flag.String("message", "", "RPC message to send")
	flag.Parse()

	msg, err := strconv.Atoi(*message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb-rpc-client: malformed --message %q: %v\n", *message, err)
		os.Exit(1)
	}

	status, err := rpc.SendMessage(*sockdir, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb-rpc-client: %v\n", err)
		os.Exit(1)
	}
	if status != 0 {
		fmt.Fprintf(os.Stderr, "sb-rpc-client: RPC message failed, status %d\n", status)
		os.Exit(1)
	}
}
