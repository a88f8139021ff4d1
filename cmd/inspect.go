package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/demo"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/state"
)

// openStateDB opens the daemon's database for reading. It refuses to create
// one where none exists.
func openStateDB(configFile string) (*state.SQLiteStore, error) {
	cfg, err := config.LoadFileOrDefault(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	path := DatabasePath(cfg)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no state database at %s (has the daemon run?)", path)
	}
	return state.NewSQLiteStore(state.Options{Path: path, WALMode: true})
}

// RunPS lists supervised processes recorded in the state database.
func RunPS(w io.Writer, configFile, name, statuses string) error {
	store, err := openStateDB(configFile)
	if err != nil {
		return err
	}
	defer store.Close()

	f := state.ProcessFilter{Name: name}
	for _, s := range splitList(statuses) {
		f.Statuses = append(f.Statuses, state.ProcessStatus(s))
	}
	recs, err := store.ListProcesses(f)
	if err != nil {
		return err
	}
	return PrintProcesses(w, recs)
}

// PrintProcesses renders process records as a table.
func PrintProcesses(w io.Writer, recs []*state.ProcessRecord) error {
	if len(recs) == 0 {
		Printer.Fprintln(w, "No processes.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "ID\tNAME\tPID\tSTATUS\tRESTARTS\tAGE\tERROR")
	for _, r := range recs {
		// pids are identifiers, not quantities: no digit grouping
		Printer.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Name, strconv.Itoa(r.PID), r.Status, r.RestartCount, age(r.CreatedAt), dash(truncate(r.Error, 60)))
	}
	return tw.Flush()
}

// RunWorkflows lists workflow instances recorded in the state database.
func RunWorkflows(w io.Writer, configFile, name, statuses string) error {
	store, err := openStateDB(configFile)
	if err != nil {
		return err
	}
	defer store.Close()

	insts, err := orchestrator.ListInstances(store, orchestrator.Filter{
		WorkflowName: name,
		Statuses:     parseStatuses(statuses),
	}, nil)
	if err != nil {
		return err
	}
	return PrintInstances(w, insts)
}

// PrintInstances renders workflow instances as a table.
func PrintInstances(w io.Writer, insts []*orchestrator.Instance) error {
	if len(insts) == 0 {
		Printer.Fprintln(w, "No workflow instances.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTEP\tPROGRESS\tAGE\tERROR")
	for _, i := range insts {
		Printer.Fprintf(tw, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			i.ID, i.WorkflowName, i.Status, dash(i.CurrentStep), i.Progress, age(i.CreatedAt), dash(truncate(i.Error, 60)))
	}
	return tw.Flush()
}

// RunDefinitions lists the workflows this binary can execute.
func RunDefinitions(w io.Writer) error {
	reg := demo.Registry()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "NAME\tSTEPS\tDESCRIPTION")
	for _, name := range reg.Names() {
		def, err := reg.Get(name)
		if err != nil {
			return err
		}
		Printer.Fprintf(tw, "%s\t%d\t%s\n", def.Name, len(def.StepNames()), def.Description)
	}
	return tw.Flush()
}

func parseStatuses(s string) []orchestrator.Status {
	var out []orchestrator.Status
	for _, part := range splitList(s) {
		out = append(out, orchestrator.Status(part))
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
