// ABOUTME: Sync CLI commands
// ABOUTME: Handles device init, status badges, conflict review, retries, draining, and watch mode
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/harperreed/clinicsync/config"
	"github.com/harperreed/clinicsync/logging"
	"github.com/harperreed/clinicsync/models"
	"github.com/harperreed/clinicsync/syncer"
	"github.com/harperreed/clinicsync/tui"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// InitCommand writes the device profile to path, or the default location
// when path is empty.
func InitCommand(path string, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	server := fs.String("server", "", "Sync server URL (e.g. https://sync.example.com)")
	staff := fs.String("staff", "", "Staff member id (required)")
	tenants := fs.String("tenants", "", "Comma-separated clinic tenant ids (required)")
	token := fs.String("token", "", "API token (prompted when omitted on a terminal)")
	_ = fs.Parse(args)

	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *server != "" {
		cfg.ServerURL = strings.TrimRight(*server, "/")
	}
	if *staff != "" {
		cfg.StaffID = *staff
	}
	if *tenants != "" {
		cfg.Tenants = nil
		for _, t := range strings.Split(*tenants, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Tenants = append(cfg.Tenants, t)
			}
		}
	}
	switch {
	case *token != "":
		cfg.Token = *token
	case cfg.Token == "" && term.IsTerminal(int(os.Stdin.Fd())):
		fmt.Print("API token (leave empty for none): ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		fmt.Println()
		cfg.Token = strings.TrimSpace(string(tokenBytes))
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = config.GenerateDeviceID()
		fmt.Printf("✓ Generated new device ID: %s\n", cfg.DeviceID)
	} else {
		fmt.Printf("✓ Device already initialized: %s\n", cfg.DeviceID)
	}

	if err := config.SaveTo(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("✓ Staff %s signed in to %s\n", cfg.StaffID, strings.Join(cfg.Tenants, ", "))
	fmt.Printf("✓ Configuration saved to %s\n", path)
	fmt.Printf("✓ Local store: %s\n", cfg.ResolvedStorePath())
	if cfg.ServerURL == "" {
		fmt.Println("\nNo sync server set; edits will queue until you run init --server <url>")
	}
	return nil
}

// StatusCommand prints per-clinic sync badges.
func StatusCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_ = fs.Parse(args)

	ctx := context.Background()
	fmt.Println("Clinic Sync Status")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Staff:    %s\n", env.Config.StaffID)
	fmt.Printf("Device:   %s\n", orNone(env.Config.DeviceID))
	fmt.Printf("Server:   %s\n", orNone(env.Config.ServerURL))
	fmt.Printf("Backlog:  %d queued on this device\n\n", env.Store.QueueLength())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CLINIC\tANALYSES\tLEADS\tPENDING\tCONFLICTS\tFAILED\tSIZE\tLAST CLEANUP")
	_, _ = fmt.Fprintln(w, "------\t--------\t-----\t-------\t---------\t------\t----\t------------")
	for _, tenantID := range env.Session.Tenants {
		ts, err := env.Store.Scope(env.Session, tenantID)
		if err != nil {
			return err
		}
		st, err := ts.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stats for %s: %w", tenantID, err)
		}
		cleanup := "never"
		if st.LastCleanup != nil {
			cleanup = st.LastCleanup.Local().Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f KB\t%s\n",
			tenantID, st.Analyses, st.Leads, st.Pending, st.Conflicted, st.Abandoned, st.EstimatedSizeKB, cleanup)
	}
	_ = w.Flush()
	return nil
}

// ConflictsCommand lists conflicts waiting for a decision.
func ConflictsCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("conflicts", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	_ = fs.Parse(args)

	ts, err := env.Tenant(*tenant)
	if err != nil {
		return err
	}
	conflicts, err := ts.Conflicts(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		fmt.Printf("✓ No conflicts for %s\n", ts.TenantID())
		return nil
	}

	for _, c := range conflicts {
		fmt.Printf("\n%s/%s  (mutation %s)\n", c.EntityType, c.EntityID, c.MutationID)
		fmt.Printf("  Server version %d, detected %s\n", c.Server.Version, c.DetectedAt.Local().Format("2006-01-02 15:04"))
		for _, fc := range c.Fields {
			fmt.Printf("  %-24s local: %-20v server: %v\n", fc.Field, displayValue(fc.Local), displayValue(fc.Server))
		}
	}
	fmt.Printf("\nResolve with: clinicsync resolve --keep local|server <mutation-id>\n")
	return nil
}

func parseFieldChoices(raw []string) (map[string]syncer.Choice, error) {
	out := make(map[string]syncer.Choice, len(raw))
	for _, s := range raw {
		field, choice, ok := strings.Cut(s, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("--field expects field=local|server, got %q", s)
		}
		c := syncer.Choice(choice)
		if c != syncer.ChooseLocal && c != syncer.ChooseServer {
			return nil, fmt.Errorf("choice for %s must be local or server", field)
		}
		out[field] = c
	}
	return out, nil
}

// ResolveCommand applies a manual resolution.
func ResolveCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	keep := fs.String("keep", "", "Keep local or server for every conflicting field")
	var fields repeated
	fs.Var(&fields, "field", "Per-field choice as field=local|server (repeatable)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: resolve [--keep local|server] [--field name=local|server] <mutation-id>")
	}
	mutationID := fs.Arg(0)
	choices, err := parseFieldChoices(fields)
	if err != nil {
		return err
	}

	ts, err := env.Tenant(*tenant)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if *keep != "" {
		k := syncer.Choice(*keep)
		if k != syncer.ChooseLocal && k != syncer.ChooseServer {
			return fmt.Errorf("--keep must be local or server")
		}
		m, err := ts.GetMutation(ctx, mutationID)
		if err != nil {
			return fmt.Errorf("failed to load mutation: %w", err)
		}
		if m.Conflict != nil {
			for _, f := range m.Conflict.Fields {
				if _, set := choices[f.Field]; !set {
					choices[f.Field] = k
				}
			}
		}
	}

	m, err := env.Manager.ApplyManualResolution(ctx, ts.TenantID(), mutationID, choices)
	if errors.Is(err, syncer.ErrManualResolutionRequired) {
		return fmt.Errorf("%w; pass --keep or one --field per conflicting field", err)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve: %w", err)
	}

	fmt.Printf("✓ Resolved %s; requeued as %s against server version %d\n", m.EntityKey(), m.Operation, m.BaseVersion)
	fmt.Println("  Run 'clinicsync sync now' to send it")
	return nil
}

// RetryCommand requeues an abandoned mutation.
func RetryCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: retry [flags] <mutation-id>")
	}
	ts, err := env.Tenant(*tenant)
	if err != nil {
		return err
	}
	m, err := env.Manager.Retry(context.Background(), ts.TenantID(), fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to retry: %w", err)
	}
	fmt.Printf("✓ %s is pending again\n", m.EntityKey())
	return nil
}

// DiscardCommand drops a blocked mutation and its local edit.
func DiscardCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("discard", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Clinic tenant id (default: the only clinic)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: discard [flags] <mutation-id>")
	}
	ts, err := env.Tenant(*tenant)
	if err != nil {
		return err
	}
	if err := ts.DiscardMutation(context.Background(), fs.Arg(0)); err != nil {
		return fmt.Errorf("failed to discard: %w", err)
	}
	fmt.Printf("✓ Discarded mutation %s\n", fs.Arg(0))
	return nil
}

// SyncNowCommand drains the queues once.
func SyncNowCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("sync now", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Only drain this clinic")
	_ = fs.Parse(args)

	if env.Config.ServerURL == "" {
		return fmt.Errorf("no sync server configured; run init --server <url>")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var results []syncer.Result
	var err error
	if *tenant != "" {
		var res syncer.Result
		res, err = env.Manager.Drain(ctx, *tenant)
		results = []syncer.Result{res}
	} else {
		results, err = env.Manager.DrainAll(ctx)
	}

	for _, r := range results {
		printResult(r)
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	return nil
}

func printResult(r syncer.Result) {
	switch {
	case r.AlreadyRunning:
		fmt.Printf("%s: another sync is already running\n", r.Tenant)
		return
	case r.Total == 0:
		fmt.Printf("✓ %s: nothing to sync\n", r.Tenant)
		return
	}
	fmt.Printf("%s: %d queued\n", r.Tenant, r.Total)
	fmt.Printf("  ✓ %d synced (%d merged)\n", r.Synced, r.Merged)
	if r.Manual > 0 {
		fmt.Printf("  ! %d need manual resolution (see 'clinicsync conflicts')\n", r.Manual)
	}
	if r.Failed > 0 {
		fmt.Printf("  ⟳ %d will retry\n", r.Failed)
	}
	if r.Abandoned > 0 {
		fmt.Printf("  ✗ %d abandoned (see 'clinicsync retry')\n", r.Abandoned)
	}
	if r.Blocked > 0 {
		fmt.Printf("  … %d held behind earlier edits\n", r.Blocked)
	}
	if r.Offline {
		fmt.Println("  ✗ server unreachable; remaining edits stay queued")
	}
}

// SyncWatchCommand runs the background sync loop until interrupted. On a
// terminal it shows the status view; otherwise it logs.
func SyncWatchCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("sync watch", flag.ExitOnError)
	noTUI := fs.Bool("no-tui", false, "Log to stderr instead of showing the status view")
	probe := fs.Duration("probe-interval", syncer.DefaultProbeInterval, "Health check interval")
	_ = fs.Parse(args)

	if env.Config.ServerURL == "" {
		return fmt.Errorf("no sync server configured; run init --server <url>")
	}

	useTUI := !*noTUI && term.IsTerminal(int(os.Stdout.Fd()))
	if useTUI {
		logPath := filepath.Join(config.Dir(), "sync.log")
		fileLog, err := logging.NewFile(env.Config.LogLevel, logPath)
		if err != nil {
			return err
		}
		defer func() { _ = fileLog.Sync() }()
		env = NewEnv(env.Config, env.Store, fileLog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	events := syncer.NewProber(env.Config.ServerURL, *probe, env.Log).Watch(gctx)
	signals := make(chan syncer.Event)
	sends := make(chan func(tea.Msg), 1)

	g.Go(func() error {
		return env.Manager.Run(gctx, signals)
	})
	// fan connectivity out to the run loop and, once attached, the view
	g.Go(func() error {
		defer close(signals)
		var send func(tea.Msg)
		var last *syncer.Event
		for {
			select {
			case send = <-sends:
				if last != nil {
					send(tui.ConnectivityMsg(*last))
				}
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				last = &ev
				if send != nil {
					send(tui.ConnectivityMsg(ev))
				}
				select {
				case signals <- ev:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	if !useTUI {
		env.Log.Info("watching for connectivity", zap.String("server", env.Config.ServerURL))
		return g.Wait()
	}

	g.Go(func() error {
		defer stop()
		return tui.Run(gctx, env.Manager, func(send func(tea.Msg)) {
			unsubscribe := env.Manager.Subscribe(func(p syncer.Progress) {
				send(tui.ProgressMsg(p))
			})
			go func() {
				<-gctx.Done()
				unsubscribe()
			}()
			sends <- send
		})
	})
	return g.Wait()
}

// CleanupCommand evicts synced records past the retention window.
func CleanupCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	_ = fs.Parse(args)

	ctx := context.Background()
	tenants := append([]string(nil), env.Session.Tenants...)
	sort.Strings(tenants)
	for _, tenantID := range tenants {
		ts, err := env.Store.Scope(env.Session, tenantID)
		if err != nil {
			return err
		}
		n, err := ts.Cleanup(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("failed to clean up %s: %w", tenantID, err)
		}
		fmt.Printf("✓ %s: removed %d stale records\n", tenantID, n)
	}
	return nil
}

// ResetCommand wipes the local store. It refuses while edits are still
// queued unless --force is given.
func ResetCommand(env *Env, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	force := fs.Bool("force", false, "Reset even with unsynced edits queued")
	_ = fs.Parse(args)

	if n := env.Store.QueueLength(); n > 0 && !*force {
		return fmt.Errorf("%d edits have not synced yet; run 'sync now' first or pass --force", n)
	}
	if err := env.Store.ClearAll(); err != nil {
		return fmt.Errorf("failed to reset local store: %w", err)
	}
	fmt.Println("✓ Local store cleared")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func displayValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "(unset)"
	case []any:
		return fmt.Sprintf("[%d items]", len(v))
	case models.Fields, map[string]any:
		return "{...}"
	default:
		return fmt.Sprint(v)
	}
}
