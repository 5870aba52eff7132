package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/conductorhq/conductor/config"
	"github.com/conductorhq/conductor/definition"
	"github.com/conductorhq/conductor/router"
)

// runRoute prints the routing decision for a task without starting a run.
func runRoute(args []string) {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	configPath := configFlag(fs)
	task := fs.String("task", "", "Task description")
	workflow := fs.String("workflow", "", "Explicit workflow override")
	branch := fs.String("branch", "", "Git branch name")
	files := fs.String("files", "", "Comma-separated changed files")
	fs.Parse(args)

	if *task == "" && *workflow == "" {
		fmt.Fprintln(os.Stderr, "route requires --task or --workflow")
		os.Exit(1)
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var rules []router.Rule
	if cfg.Router.RulesPath != "" {
		rules, err = router.LoadRules(cfg.Router.RulesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load routing rules: %v\n", err)
			os.Exit(1)
		}
	}

	catalog := definition.NewCatalog(definition.NewDirSource(cfg.Workflows.Dir), cfg.Workflows.CacheTTL, logger)
	rtr, err := router.New(catalog, rules, nil, cfg.RouterOptions(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build router: %v\n", err)
		os.Exit(1)
	}

	decision, err := rtr.Route(context.Background(), *task, router.TaskContext{
		ExplicitWorkflow: *workflow,
		Branch:           *branch,
		Files:            splitList(*files),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Routing failed: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode decision: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
