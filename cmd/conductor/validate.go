package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/conductorhq/conductor/config"
	"github.com/conductorhq/conductor/definition"
)

// runValidate loads every definition in the workflow directory and reports
// the result. Exit code 1 on any validation failure.
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := configFlag(fs)
	dir := fs.String("dir", "", "Workflow directory (overrides config)")
	fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	target := cfg.Workflows.Dir
	if *dir != "" {
		target = *dir
	}

	defs, err := definition.LoadDir(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		os.Exit(1)
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%d workflow(s) valid in %s\n", len(defs), target)
	for _, name := range names {
		def := defs[name]
		fmt.Printf("  %-30s %d step(s)  v%s\n", name, len(def.Steps), def.Version)
	}
}
