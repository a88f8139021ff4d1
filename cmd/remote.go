package cmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v2"

	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/client"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/orchestrator"
	wtls "grimm.is/warden/internal/tls"
)

// Endpoint is where and how to reach a daemon's API.
type Endpoint struct {
	Addr string
	// CAFile, when set, holds the certificates trusted for https.
	CAFile string
}

// CAEnv names the environment variable holding a CA file for the API.
func CAEnv() string {
	return brand.ConfigEnvPrefix + "_API_CA"
}

// TokenEnv names the environment variable holding the API bearer token.
func TokenEnv() string {
	return brand.ConfigEnvPrefix + "_API_TOKEN"
}

// ResolveEndpoint returns the API endpoint from the flag, falling back to
// the configured listen address. When the configuration serves the API over
// TLS the address gets an https scheme and the configured certificate is
// trusted, unless CAEnv names another file.
func ResolveEndpoint(flagValue, configFile string) Endpoint {
	ep := Endpoint{Addr: flagValue, CAFile: os.Getenv(CAEnv())}

	cfg, err := config.LoadFileOrDefault(configFile)
	if err != nil {
		if ep.Addr == "" {
			ep.Addr = config.DefaultAPIListen
		}
		return ep
	}
	if ep.Addr == "" {
		ep.Addr = cfg.API.Listen
		if cfg.API.TLS != nil {
			ep.Addr = "https://" + ep.Addr
		}
	}
	if ep.CAFile == "" && cfg.API.TLS != nil && strings.HasPrefix(ep.Addr, "https://") {
		ep.CAFile = cfg.API.TLS.CertFile
	}
	return ep
}

// Remote drives a running daemon over its HTTP API.
type Remote struct {
	Client *client.HTTPClient
	Out    io.Writer
}

// NewRemote creates a Remote for ep, authenticating with the token from
// TokenEnv when set.
func NewRemote(ep Endpoint) (*Remote, error) {
	var opts []client.ClientOption
	if token := os.Getenv(TokenEnv()); token != "" {
		opts = append(opts, client.WithToken(token))
	}
	if ep.CAFile != "" {
		pool, err := wtls.CertPool(ep.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load API CA: %w", err)
		}
		opts = append(opts, client.WithTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}))
	}
	return &Remote{Client: client.NewHTTPClient(ep.Addr, opts...), Out: os.Stdout}, nil
}

// Status prints daemon status and counts.
func (r *Remote) Status(ctx context.Context) error {
	info, err := r.Client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	Printer.Fprintf(r.Out, "Status:   %s\n", info.Status)
	Printer.Fprintf(r.Out, "Version:  %s\n", info.Version)
	Printer.Fprintf(r.Out, "Uptime:   %s\n", info.Uptime)
	printCounts(r.Out, "Processes", info.Processes)
	printCounts(r.Out, "Workflows", info.Workflows)
	return nil
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	Printer.Fprintf(w, "%s:\n", title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		Printer.Fprintf(w, "  %-10s %d\n", k+":", counts[k])
	}
}

// Processes prints the daemon's process table.
func (r *Remote) Processes(ctx context.Context, name string) error {
	recs, err := r.Client.Processes(ctx, name)
	if err != nil {
		return err
	}
	return PrintProcesses(r.Out, recs)
}

// Workflows prints the daemon's instances.
func (r *Remote) Workflows(ctx context.Context, name, statuses string) error {
	insts, err := r.Client.Workflows(ctx, orchestrator.Filter{WorkflowName: name, Statuses: parseStatuses(statuses)})
	if err != nil {
		return err
	}
	return PrintInstances(r.Out, insts)
}

// Show prints one instance as JSON.
func (r *Remote) Show(ctx context.Context, id, format string) error {
	inst, err := r.Client.Workflow(ctx, id)
	if err != nil {
		return err
	}
	switch format {
	case "", "json":
		return r.printJSON(inst)
	case "yaml":
		return r.printYAML(inst)
	default:
		return fmt.Errorf("unknown output format %q (json or yaml)", format)
	}
}

// Submit starts a workflow on the daemon. With wait it blocks until the
// instance finishes and prints its output.
func (r *Remote) Submit(ctx context.Context, name, input string, wait bool) error {
	raw, err := ReadInput(input)
	if err != nil {
		return err
	}
	inst, err := r.Client.Start(ctx, name, raw, map[string]any{"source": "cli"})
	if err != nil {
		return err
	}
	if !wait {
		Printer.Fprintln(r.Out, inst.ID)
		return nil
	}

	final, err := r.waitFor(ctx, inst.ID)
	if err != nil {
		return err
	}
	if final.Status != orchestrator.StatusCompleted {
		return fmt.Errorf("workflow %s %s at step %q: %s", final.ID, final.Status, final.CurrentStep, final.Error)
	}
	return writeJSON(r.Out, final.Output)
}

// waitFor follows the event stream until id reaches a terminal status, then
// fetches the final record.
func (r *Remote) waitFor(ctx context.Context, id string) (*orchestrator.Instance, error) {
	// The instance may have finished before the stream was opened
	if inst, err := r.Client.Workflow(ctx, id); err == nil && inst.Status.Terminal() {
		return inst, nil
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Re-check periodically in case the terminal event was missed
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				if inst, err := r.Client.Workflow(wctx, id); err == nil && inst.Status.Terminal() {
					cancel()
					return
				}
			}
		}
	}()

	err := r.Client.Watch(wctx, []string{"workflow.completed", "workflow.failed", "workflow.cancelled"}, func(m client.Message) bool {
		var d struct {
			InstanceID string `json:"instance_id"`
		}
		return json.Unmarshal(m.Data, &d) != nil || d.InstanceID != id
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.Client.Workflow(ctx, id)
}

// Cancel cancels an instance.
func (r *Remote) Cancel(ctx context.Context, id string) error {
	inst, err := r.Client.Cancel(ctx, id)
	if err != nil {
		return err
	}
	Printer.Fprintf(r.Out, "%s %s\n", inst.ID, inst.Status)
	return nil
}

// Resume resumes a failed or cancelled instance.
func (r *Remote) Resume(ctx context.Context, id string) error {
	inst, err := r.Client.Resume(ctx, id)
	if err != nil {
		return err
	}
	Printer.Fprintf(r.Out, "%s resumed at step %s (resume #%d)\n", inst.ID, dash(inst.CurrentStep), inst.ResumeCount)
	return nil
}

// Logs prints buffered executor log lines of an instance.
func (r *Remote) Logs(ctx context.Context, id string, limit int) error {
	entries, err := r.Client.Logs(ctx, id, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		Printer.Fprintf(r.Out, "%s %-5s %s\n", e.Timestamp.Format(time.TimeOnly), strings.ToUpper(e.Level), e.Message)
	}
	return nil
}

// Stats prints the recent resource samples of a process.
func (r *Remote) Stats(ctx context.Context, id string) error {
	s, err := r.Client.ProcessStats(ctx, id)
	if err != nil {
		return err
	}
	Printer.Fprintf(r.Out, "%s (%s) pid %s\n", s.ID, s.Name, strconv.Itoa(s.PID))
	if len(s.CPU) == 0 {
		Printer.Fprintln(r.Out, "No samples yet.")
		return nil
	}
	Printer.Fprintf(r.Out, "CPU:  %.1f%% (last of %d samples)\n", s.CPU[len(s.CPU)-1]*100, len(s.CPU))
	Printer.Fprintf(r.Out, "RSS:  %.1f MiB\n", s.RSS[len(s.RSS)-1]/(1<<20))
	return nil
}

// Audit prints recent control actions.
func (r *Remote) Audit(ctx context.Context, action, resource string, limit int) error {
	entries, err := r.Client.Audit(ctx, action, resource, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.Out, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "TIME\tACTION\tRESOURCE\tSTATUS\tREMOTE\tERROR")
	for _, e := range entries {
		Printer.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.DateTime), e.Action, dash(e.Resource), strconv.Itoa(e.Status), dash(e.Remote), dash(e.Error))
	}
	return tw.Flush()
}

// Watch streams events until interrupted.
func (r *Remote) Watch(ctx context.Context, topics []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.Client.Watch(ctx, topics, func(m client.Message) bool {
		Printer.Fprintf(r.Out, "%s %-20s %s\n", m.Timestamp.Format(time.TimeOnly), m.Topic, string(m.Data))
		return true
	})
}

// printYAML renders v through its JSON form so field names and raw
// payloads match the json output.
func (r *Remote) printYAML(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = r.Out.Write(out)
	return err
}

func (r *Remote) printJSON(v any) error {
	enc := json.NewEncoder(r.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
