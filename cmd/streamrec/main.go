package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/streamrec/internal/cli/capture"
	"github.com/sheerbytes/streamrec/internal/cli/watch"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintln(os.Stdout, version)
		return
	}

	cmdName := args[0]
	switch cmdName {
	case "capture":
		os.Exit(capture.Run(args[1:]))
	case "watch":
		os.Exit(watch.Run(args[1:]))
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmdName)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: streamrec <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  capture  record an encoded stream and send it to a receiver")
	fmt.Fprintln(os.Stderr, "  watch    print a receiver's live recording stats")
	fmt.Fprintln(os.Stderr, "run 'streamrec <command> --help' for command flags")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
