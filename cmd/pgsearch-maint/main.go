// Command pgsearch-maint creates, loads and maintains full-text indexes
// stored in block storage.
package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run executes the CLI and returns an exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 1
	}

	switch args[1] {
	case "create":
		return createCmd(args[2:], stdout, stderr)
	case "insert":
		return insertCmd(args[2:], stdout, stderr)
	case "delete":
		return deleteCmd(args[2:], stdout, stderr)
	case "vacuum":
		return vacuumCmd(args[2:], stdout, stderr)
	case "search":
		return searchCmd(args[2:], stdout, stderr)
	case "stats":
		return statsCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "pgsearch-maint %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		fmt.Fprintln(stderr, "Run 'pgsearch-maint help' for usage.")
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: pgsearch-maint <command> [flags]

Commands:
  create    Create an index relation
  insert    Index rows read from a JSON lines file
  delete    Remove rows by row id and vacuum the index
  vacuum    Merge segments and garbage collect metadata
  search    List the rows containing a term
  stats     Show relation statistics
  version   Show version
  help      Show this message

Every command but version and help accepts:
  -config FILE   YAML or JSON configuration (default $CONFIG_PATH)
  -oid N         Relation id of the index
  -name NAME     Relation name used in logs

Run 'pgsearch-maint <command> -h' for command flags.
`)
}
