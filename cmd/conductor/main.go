// Conductor service entry point.
//
//	conductor serve                         # start the orchestrator
//	conductor serve --config conductor.yaml # with a config file
//	conductor serve --demo                  # register loopback agents
//	conductor route --task "fix login bug"  # one-shot routing decision
//	conductor validate                      # check workflow definitions
//	conductor version
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "route":
		runRoute(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to config file (YAML)")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func printVersion() {
	fmt.Printf("conductor %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Conductor - workflow orchestration engine

Usage:
  conductor <command> [options]

Commands:
  serve     Start the orchestrator
  route     Print the routing decision for a task description
  validate  Validate the workflow definition directory
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --demo            Register loopback agents for every agent in the catalog

Options for 'route':
  --config <path>   Path to configuration file (YAML)
  --task <text>     Task description (required)
  --workflow <id>   Explicit workflow override
  --branch <name>   Git branch name
  --files <a,b,c>   Comma-separated changed files

Options for 'validate':
  --config <path>   Path to configuration file (YAML)
  --dir <path>      Workflow directory (overrides config)

Examples:
  conductor serve --config /etc/conductor/conductor.yaml
  conductor route --task "hotfix: payment service panics" --branch hotfix/payments
  conductor validate --dir ./workflows`)
}
