package main

import (
	"context"
	"flag"
	"os"
	"time"

	"grimm.is/warden/cmd"
	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/orchestrator"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case orchestrator.ExecutorCommand:
		// Spawned by the orchestrator, never by users
		os.Exit(cmd.RunExecutor())

	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", brand.GetConfigPath(), "Configuration file")
		startFlags.StringVar(configFile, "c", brand.GetConfigPath(), "Configuration file (short)")
		foreground := startFlags.Bool("foreground", false, "Run in foreground (don't daemonize)")
		startFlags.BoolVar(foreground, "f", false, "Run in foreground (short)")
		startFlags.Parse(os.Args[2:])

		if *foreground {
			if err := cmd.RunDaemon(*configFile); err != nil {
				fail("Daemon failed", err)
			}
		} else if err := cmd.RunStart(*configFile); err != nil {
			fail("Start failed", err)
		}

	case "stop":
		if err := cmd.RunStop(); err != nil {
			fail("Stop failed", err)
		}

	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", brand.GetConfigPath(), "Configuration file")
		persist := runFlags.Bool("persist", false, "Record the instance in the state database")
		verbose := runFlags.Bool("v", false, "Print step transitions and info logs")
		timeout := runFlags.Duration("timeout", 0, "Cancel the workflow after this long (0 for no limit)")
		runFlags.Parse(os.Args[2:])

		if runFlags.NArg() < 1 {
			printer.Fprintf(os.Stderr, "Usage: %s run [-persist] [-v] [-timeout d] <workflow> [json-input]\n", brand.BinaryName)
			os.Exit(1)
		}
		err := cmd.RunWorkflow(cmd.RunOptions{
			ConfigFile: *configFile,
			Workflow:   runFlags.Arg(0),
			Input:      runFlags.Arg(1),
			Persist:    *persist,
			Verbose:    *verbose,
			Timeout:    *timeout,
		})
		if err != nil {
			fail("Run failed", err)
		}

	case "ps":
		psFlags := flag.NewFlagSet("ps", flag.ExitOnError)
		configFile := psFlags.String("config", brand.GetConfigPath(), "Configuration file")
		name := psFlags.String("name", "", "Only processes with this definition name")
		status := psFlags.String("status", "", "Comma-separated statuses (running,crashed,...)")
		apiAddr := psFlags.String("api", "", "Query a running daemon instead of the state database")
		psFlags.Parse(os.Args[2:])

		var err error
		if *apiAddr != "" {
			var remote *cmd.Remote
			if remote, err = cmd.NewRemote(cmd.ResolveEndpoint(*apiAddr, *configFile)); err == nil {
				err = remote.Processes(context.Background(), *name)
			}
		} else {
			err = cmd.RunPS(os.Stdout, *configFile, *name, *status)
		}
		if err != nil {
			fail("ps failed", err)
		}

	case "workflows":
		wfFlags := flag.NewFlagSet("workflows", flag.ExitOnError)
		configFile := wfFlags.String("config", brand.GetConfigPath(), "Configuration file")
		name := wfFlags.String("name", "", "Only instances of this workflow")
		status := wfFlags.String("status", "", "Comma-separated statuses (running,failed,...)")
		apiAddr := wfFlags.String("api", "", "Query a running daemon instead of the state database")
		wfFlags.Parse(os.Args[2:])

		var err error
		if *apiAddr != "" {
			var remote *cmd.Remote
			if remote, err = cmd.NewRemote(cmd.ResolveEndpoint(*apiAddr, *configFile)); err == nil {
				err = remote.Workflows(context.Background(), *name, *status)
			}
		} else {
			err = cmd.RunWorkflows(os.Stdout, *configFile, *name, *status)
		}
		if err != nil {
			fail("workflows failed", err)
		}

	case "definitions", "defs":
		if err := cmd.RunDefinitions(os.Stdout); err != nil {
			fail("definitions failed", err)
		}

	case "status", "submit", "show", "cancel", "resume", "logs", "stats", "watch", "audit":
		runRemote(os.Args[1], os.Args[2:])

	case "top":
		topFlags := flag.NewFlagSet("top", flag.ExitOnError)
		configFile := topFlags.String("config", brand.GetConfigPath(), "Configuration file (for the API address)")
		apiAddr := topFlags.String("api", "", "API address (defaults to api.listen from the config)")
		interval := topFlags.Duration("interval", 2*time.Second, "Refresh interval")
		topFlags.Parse(os.Args[2:])

		if err := cmd.RunTop(cmd.ResolveEndpoint(*apiAddr, *configFile), *interval); err != nil {
			fail("top failed", err)
		}

	case "token":
		if err := cmd.RunToken(os.Stdout); err != nil {
			fail("token failed", err)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Show the resolved configuration")
		checkFlags.BoolVar(verbose, "v", false, "Verbose (short)")
		checkFlags.Parse(os.Args[2:])

		if err := cmd.RunCheck(os.Stdout, checkFlags.Arg(0), *verbose); err != nil {
			fail("Check failed", err)
		}

	case "version":
		printer.Printf("%s %s (commit %s, built %s)\n", brand.Name, brand.Version, brand.GitCommit, brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runRemote handles the commands that talk to a running daemon's API.
func runRemote(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configFile := fs.String("config", brand.GetConfigPath(), "Configuration file (for the API address)")
	apiAddr := fs.String("api", "", "API address (defaults to api.listen from the config)")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout (0 for none)")

	var (
		wait             *bool
		limit            *int
		action, resource *string
		format           *string
	)
	switch name {
	case "submit":
		wait = fs.Bool("wait", false, "Wait for the instance to finish and print its output")
	case "show":
		format = fs.String("o", "json", "Output format: json or yaml")
	case "logs":
		limit = fs.Int("n", 0, "Show only the last n lines")
	case "audit":
		limit = fs.Int("n", 50, "Number of entries")
		action = fs.String("action", "", "Only this action (workflow.start, workflow.cancel, ...)")
		resource = fs.String("resource", "", "Only this resource")
	}
	fs.Parse(args)

	remote, err := cmd.NewRemote(cmd.ResolveEndpoint(*apiAddr, *configFile))
	if err != nil {
		fail(name+" failed", err)
	}
	ctx := context.Background()
	// Streams and waits run until they finish on their own
	if *timeout > 0 && name != "watch" && !(name == "submit" && *wait) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	needArg := func(usage string) string {
		if fs.NArg() < 1 {
			printer.Fprintf(os.Stderr, "Usage: %s %s %s\n", brand.BinaryName, name, usage)
			os.Exit(1)
		}
		return fs.Arg(0)
	}

	switch name {
	case "status":
		err = remote.Status(ctx)
	case "submit":
		wf := needArg("[-wait] <workflow> [json-input]")
		err = remote.Submit(ctx, wf, fs.Arg(1), *wait)
	case "show":
		err = remote.Show(ctx, needArg("[-o json|yaml] <instance-id>"), *format)
	case "cancel":
		err = remote.Cancel(ctx, needArg("<instance-id>"))
	case "resume":
		err = remote.Resume(ctx, needArg("<instance-id>"))
	case "logs":
		err = remote.Logs(ctx, needArg("[-n lines] <instance-id>"), *limit)
	case "stats":
		err = remote.Stats(ctx, needArg("<process-id>"))
	case "watch":
		err = remote.Watch(ctx, fs.Args())
	case "audit":
		err = remote.Audit(ctx, *action, *resource, *limit)
	}
	if err != nil {
		fail(name+" failed", err)
	}
}

func fail(what string, err error) {
	printer.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Daemon Commands:
  start       Start the supervisor daemon
              Options: --foreground (-f), --config (-c) <file>
  stop        Stop the running daemon

Workflow Commands:
  run         Run a workflow to completion in this process
              Options: -persist, -v, -timeout <duration>
  definitions List the workflows this binary can run (alias: defs)
  workflows   List workflow instances
              Options: -name, -status, -api <addr>
  ps          List supervised processes
              Options: -name, -status, -api <addr>

Remote Commands (talk to a running daemon; -api <addr>):
  status      Show daemon status
  submit      Start a workflow (-wait to block for its output)
  show        Print one instance (-o json|yaml)
  cancel      Cancel a running instance
  resume      Resume a failed or cancelled instance
  logs        Show an instance's executor logs (-n lines)
  stats       Show a process's recent CPU and memory samples
  watch       Stream events (optional topics: workflow, process.crashed, ...)
  audit       Show recent control actions (-action, -resource, -n)
  top         Live dashboard of processes and instances (-interval)
  Set %s when the API requires a token, %s to trust its certificate.

Utility Commands:
  check       Validate configuration file
              Options: --verbose (-v)
  token       Generate an API token and its configuration hash
  version     Print version information

Examples:
  %s start                               # Start in background
  %s start -f                            # Start in foreground
  %s run hello '{"name":"Ada"}'           # One-shot run, output on stdout
  %s submit -wait process-order @order.json
  %s workflows -status failed,cancelled
  %s resume wf_3f2a...
  %s watch workflow
`,
		brand.Name, brand.Description,
		brand.LowerName,
		cmd.TokenEnv(), cmd.CAEnv(),
		brand.LowerName, brand.LowerName, brand.LowerName, brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName)
}
