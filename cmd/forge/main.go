// Command forge is the control-plane binary: an HTTP server around the
// generation orchestrator, plus local subcommands for inspecting and
// repairing the event log.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exit codes: 0 ok, 1 fatal, 2 bad usage.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "generate":
		return runGenerate(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "costs":
		return runCosts(args[2:], stdout, stderr)
	case "undo":
		return runUndo(args[2:], stdout, stderr)
	case "chain":
		return runChain(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `forge — verified code generation control plane

Usage:
  forge [server]                 run the HTTP server (default)
  forge generate -intent TEXT    run one generation locally
  forge audit  <ivcu-id>         print the audit log
  forge costs  <ivcu-id>         print the cost ledger
  forge undo   <ivcu-id>         undo the last event
  forge chain  <ivcu-id>         verify the event hash chain
  forge export <ivcu-id>         export the certificate bundle
  forge help                     show this help

Configuration is read from the environment; see pkg/config.`)
}
