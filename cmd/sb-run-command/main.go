// Command sb-run-command is the wrapper every generated makefile
// recipe runs its real command through: it appends the command's
// output to the task's log file and, if the command fails, reports
// fail-message back to the coordinator over the RPC socket before
// exiting nonzero itself (so `make` sees the recipe line fail too).
//
// Grounded on original_source/sourcery/build.py's wrapper_run_command
// and original_source/sourcery/rpc.py's send_message, adapted from a
// forked helper script into a standalone binary invoked as
// `sb-run-command --sockdir D --log L --fail-message N [--cwd C] --
// cmd args...`.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/sourcerytools/sbgo/internal/rpc"
)

func main() {
	sockdir := flag.String("sockdir", "", "RPC socket directory")
	log := flag.String("log", "", "log file to append command output to")
	failMessage := flag.String("fail-message", "", "RPC message to send if the command fails")
	cwd := flag.String("cwd", "", "working directory for the command")
	flag.Parse()

	argv := flag.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "sb-run-command: no command given")
		os.Exit(1)
	}

	logFile, err := os.OpenFile(*log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb-run-command: opening log %s: %v\n", *log, err)
		os.Exit(1)
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = *cwd
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	runErr := cmd.Run()
	if runErr == nil {
		return
	}

	fmt.Fprintf(logFile, "command failed: %v\n", runErr)

	msg, err := strconv.Atoi(*failMessage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb-run-command: malformed --fail-message %q: %v\n", *failMessage, err)
		os.Exit(1)
	}
	if _, err := rpc.SendMessage(*sockdir, msg); err != nil {
		fmt.Fprintf(os.Stderr, "sb-run-command: reporting failure: %v\n", err)
	}
	os.Exit(1)
}
