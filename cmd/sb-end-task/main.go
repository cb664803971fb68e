// Command sb-end-task reports a build task's completion to the
// coordinator: it sends --message over the RPC socket in --sockdir,
// which runs the coordinator's registered task_end callback; on
// failure to reach the coordinator it appends to --log and exits
// nonzero.
//
// Grounded on original_source/sourcery/build.py's wrapper_end_task.
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
	log := flag.String("log", "", "log file to append failures to")
	message := flag.String("message", "", "RPC message announcing this task's end")
	flag.Parse()

	msg, err := strconv.Atoi(*message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb-end-task: malformed --message %q: %v\n", *message, err)
		os.Exit(1)
	}

	status, err := rpc.SendMessage(*sockdir, msg)
	if err != nil || status != 0 {
		if logFile, openErr := os.OpenFile(*log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); openErr == nil {
			fmt.Fprintf(logFile, "sb-end-task: status %d, err %v\n", status, err)
			logFile.Close()
		}
		os.Exit(1)
	}
}
