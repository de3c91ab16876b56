// ABOUTME: Entry point for the clinicsync CLI, sync daemon, reference server, and MCP server
// ABOUTME: Routes to commands based on arguments
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/harperreed/clinicsync/cli"
	"github.com/harperreed/clinicsync/config"
	"github.com/harperreed/clinicsync/logging"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", "", "Config file (default: ~/.local/share/clinicsync/config.json)")
	verbose := flag.Bool("verbose", false, "Debug logging")

	// Parse global flags but don't fail on unknown (for subcommands)
	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("clinicsync version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	command := args[0]
	commandArgs := args[1:]

	// init writes the config, so it runs before one is required
	if command == "init" {
		if err := cli.InitCommand(*configPath, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if command == "serve" {
		if err := cli.ServeCommand(cfg, logger, commandArgs); err != nil {
			log.Fatalf("Sync server failed: %v", err)
		}
		return
	}

	env, err := cli.OpenEnv(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	code := run(env, logger, command, commandArgs)
	_ = env.Close()
	_ = logger.Sync()
	os.Exit(code)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// run dispatches device commands and returns the exit code, so the store is
// closed before exiting.
func run(env *cli.Env, logger *zap.Logger, command string, args []string) int {
	var err error
	switch command {
	case "mcp":
		err = cli.MCPCommand(env)

	case "status":
		err = cli.StatusCommand(env, args)
	case "conflicts":
		err = cli.ConflictsCommand(env, args)
	case "resolve":
		err = cli.ResolveCommand(env, args)
	case "retry":
		err = cli.RetryCommand(env, args)
	case "discard":
		err = cli.DiscardCommand(env, args)
	case "cleanup":
		err = cli.CleanupCommand(env, args)
	case "reset":
		err = cli.ResetCommand(env, args)

	case "lead", "analysis", "sync":
		if len(args) == 0 {
			fmt.Printf("Error: %s requires a subcommand\n", command)
			printUsage()
			return 1
		}
		err = runSubcommand(env, command, args[0], args[1:])

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		return 1
	}

	if err != nil {
		logger.Debug("command failed", zap.String("command", command), zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runSubcommand(env *cli.Env, group, sub string, args []string) error {
	commands := map[string]map[string]func(*cli.Env, []string) error{
		"lead": {
			"add":    cli.LeadAddCommand,
			"update": cli.LeadUpdateCommand,
			"delete": cli.LeadDeleteCommand,
			"log":    cli.LeadLogCommand,
			"list":   cli.LeadListCommand,
		},
		"analysis": {
			"add":    cli.AnalysisAddCommand,
			"update": cli.AnalysisUpdateCommand,
			"list":   cli.AnalysisListCommand,
		},
		"sync": {
			"now":   cli.SyncNowCommand,
			"watch": cli.SyncWatchCommand,
		},
	}

	fn, ok := commands[group][sub]
	if !ok {
		printUsage()
		return fmt.Errorf("unknown %s command: %s", group, sub)
	}
	return fn(env, args)
}

func printUsage() {
	fmt.Printf(`clinicsync v%s - offline-first sync for clinic field staff

USAGE:
  clinicsync [global flags] <command> [subcommand] [flags]

GLOBAL FLAGS:
  --version              Show version and exit
  --config <path>        Config file (default: ~/.local/share/clinicsync/config.json)
  --verbose              Debug logging

SETUP:
  clinicsync init          Sign this device in
    --staff <id>             Staff member id (required)
    --tenants <a,b>          Clinic tenant ids (required)
    --server <url>           Sync server URL
    --token <token>          API token (prompted on a terminal)

LEADS:
  clinicsync lead add        Queue a new lead
    --name <name>            Lead name (required)
    --phone, --email         Contact details
    --status <status>        new, contacted, hot, warm, cold, closed (default: new)
    --follow-up <date>       Follow-up date (YYYY-MM-DD)
    --tenant <id>            Clinic (default: the only clinic)

  clinicsync lead update [flags] <id>   Queue a lead edit
    --status, --disposition, --follow-up, --converted, --notes
    Note: flags must come before the lead ID

  clinicsync lead delete <id>           Queue a lead deletion
  clinicsync lead log [flags] <id>      Log an interaction
    --type <type>            call, email, meeting, message, visit (default: call)
    --notes <text>           What happened
  clinicsync lead list                  List cached leads

ANALYSES:
  clinicsync analysis add    Queue a new skin analysis
    --client <name>          Client name (required)
    --skin-type <type>       Skin type
    --notes <text>           Notes
    --set key=value          Extra field (repeatable)
  clinicsync analysis update [flags] <id>
  clinicsync analysis list

SYNC:
  clinicsync status                     Pending, conflict, and failure counts per clinic
  clinicsync conflicts                  Edits waiting for a decision
  clinicsync resolve [flags] <mutation-id>
    --keep local|server      Choice for every conflicting field
    --field name=local|server  Per-field choice (repeatable)
  clinicsync retry <mutation-id>        Requeue an abandoned edit
  clinicsync discard <mutation-id>      Drop an abandoned or conflicting edit
  clinicsync sync now                   Send queued edits now
  clinicsync sync watch                 Sync on reconnect and periodically
    --no-tui                 Log instead of showing the status view
  clinicsync cleanup                    Evict stale synced records
  clinicsync reset [--force]            Wipe the local store on this device

SERVERS:
  clinicsync serve           Run the reference sync server
    --addr <host:port>       Listen address (default: 127.0.0.1:8080)
    --db-path <path>         SQLite database path
    --token <token>          Required bearer token
  clinicsync mcp             Start MCP server on stdio

EXAMPLES:
  # Sign in to two clinics
  clinicsync init --staff s-42 --tenants clinic-a,clinic-b --server https://sync.example.com

  # Work offline
  clinicsync lead add --tenant clinic-a --name "Ada Lovelace" --status hot
  clinicsync lead log --tenant clinic-a --type visit --notes "consult booked" <lead-id>

  # Back online
  clinicsync sync now
  clinicsync conflicts --tenant clinic-a

`, version)
}
