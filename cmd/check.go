package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/demo"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(w io.Writer, configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.GetConfigPath())
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Fprintf(w, "Configuration valid!\n")
	Printer.Fprintf(w, "State dir:  %s\n", cfg.StateDir)
	Printer.Fprintf(w, "Processes:  %d\n", len(cfg.Processes))
	Printer.Fprintf(w, "Workflows:  %d\n", len(demo.Registry().Names()))

	if verbose {
		Printer.Fprintln(w)
		return printSummary(w, cfg)
	}
	return nil
}

func printSummary(w io.Writer, cfg *config.Config) error {
	Printer.Fprintln(w, "--- Supervisor ---")
	Printer.Fprintf(w, "check interval:    %s\n", cfg.Supervisor.CheckIntervalDuration())
	Printer.Fprintf(w, "heartbeat timeout: %s\n", orOff(cfg.Supervisor.HeartbeatTimeoutDuration().String(), cfg.Supervisor.HeartbeatTimeoutDuration() == 0))
	Printer.Fprintf(w, "stop grace:        %s\n", cfg.Supervisor.StopGracePeriodDuration())
	Printer.Fprintf(w, "stats interval:    %s\n", orOff(cfg.Supervisor.StatsIntervalDuration().String(), cfg.Supervisor.StatsIntervalDuration() == 0))

	Printer.Fprintln(w, "\n--- IPC ---")
	Printer.Fprintf(w, "transport:  %s\n", cfg.IPC.Transport)
	Printer.Fprintf(w, "socket dir: %s\n", cfg.IPC.SocketDir)
	Printer.Fprintf(w, "tcp ports:  %d-%d\n", cfg.IPC.PortMin, cfg.IPC.PortMax)

	Printer.Fprintln(w, "\n--- API ---")
	if cfg.API.Enabled {
		Printer.Fprintf(w, "listen:     %s\n", cfg.API.Listen)
		Printer.Fprintf(w, "auth:       %s\n", orOff("bearer token", cfg.API.TokenHash == ""))
		switch t := cfg.API.TLS; {
		case t == nil:
			Printer.Fprintln(w, "tls:        off")
		case t.SelfSigned:
			Printer.Fprintf(w, "tls:        self-signed (%s)\n", t.CertFile)
		default:
			Printer.Fprintf(w, "tls:        %s\n", t.CertFile)
		}
		Printer.Fprintf(w, "rate limit: %s\n", orOff(strconv.Itoa(cfg.API.RateLimit)+"/min per client", cfg.API.RateLimit <= 0))
		Printer.Fprintf(w, "max conns:  %d\n", cfg.API.MaxConnections)
	} else {
		Printer.Fprintln(w, "disabled")
	}

	if len(cfg.Notify.Channels) > 0 {
		Printer.Fprintln(w, "\n--- Notifications ---")
		for _, ch := range cfg.Notify.Channels {
			events := "all"
			if len(ch.Events) > 0 {
				events = strings.Join(ch.Events, ",")
			}
			state := ""
			if ch.Disabled {
				state = " (disabled)"
			}
			Printer.Fprintf(w, "%s: %s >= %s, events %s%s\n", ch.Name, ch.Type, ch.Level, events, state)
		}
	}

	if len(cfg.Processes) == 0 {
		return nil
	}
	Printer.Fprintln(w, "\n--- Processes ---")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "NAME\tCOMMAND\tAUTOSTART\tRESTART\tMAX RUNTIME")
	for _, pc := range cfg.Processes {
		def := processDefinition(pc)
		restart := "no"
		if def.Config.AutoRestart {
			restart = fmt.Sprintf("up to %d", restartLimit(def.Config.MaxRestarts, cfg.Supervisor.DefaultMaxRestarts))
		}
		runtime := "-"
		if def.Config.Limits.MaxRuntime > 0 {
			runtime = def.Config.Limits.MaxRuntime.String()
		}
		Printer.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", pc.Name, pc.Command, pc.Autostart, restart, runtime)
	}
	return tw.Flush()
}

func restartLimit(perProcess, fallback int) int {
	if perProcess > 0 {
		return perProcess
	}
	return fallback
}

func orOff(s string, off bool) string {
	if off {
		return "off"
	}
	return s
}
