package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/recipe"
)

// varsFlag collects repeated -var k=v flags.
type varsFlag map[string]string

func (v varsFlag) String() string {
	pairs := make([]string, 0, len(v))
	for k, val := range v {
		pairs = append(pairs, k+"="+val)
	}
	return strings.Join(pairs, ",")
}

func (v varsFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected k=v, got %q", s)
	}
	v[key] = value
	return nil
}

func runRecipe(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, profileRef string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: conductor recipe <execute|validate|resume|list|approvals|approve|deny> ...")
		return 2
	}

	switch args[0] {
	case "validate":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: conductor recipe validate <path>")
			return 2
		}
		if err := recipe.Validate(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
			return 1
		}
		fmt.Println("OK")
		return 0

	case "list":
		return withStore(cfg, listSessions)
	case "approvals":
		return withStore(cfg, listApprovals)

	case "execute":
		fs := flag.NewFlagSet("execute", flag.ContinueOnError)
		vars := varsFlag{}
		fs.Var(vars, "var", "Recipe variable as k=v (repeatable)")
		rest, err := parseSub(fs, args[1:], 1, "conductor recipe execute <path> [-var k=v]")
		if err != nil {
			return 2
		}
		return withManager(ctx, cfg, recorder, profileRef, func(mgr *recipe.Manager) (*recipe.RunReport, error) {
			return mgr.Execute(ctx, rest[0], vars)
		})

	case "resume":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: conductor recipe resume <session>")
			return 2
		}
		return withManager(ctx, cfg, recorder, profileRef, func(mgr *recipe.Manager) (*recipe.RunReport, error) {
			return mgr.Resume(ctx, args[1])
		})

	case "approve":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: conductor recipe approve <session> <stage>")
			return 2
		}
		return withManager(ctx, cfg, recorder, profileRef, func(mgr *recipe.Manager) (*recipe.RunReport, error) {
			return mgr.Approve(ctx, args[1], args[2])
		})

	case "deny":
		fs := flag.NewFlagSet("deny", flag.ContinueOnError)
		reason := fs.String("reason", "", "Reason recorded with the denial")
		rest, err := parseSub(fs, args[1:], 2, "conductor recipe deny <session> <stage> [-reason text]")
		if err != nil {
			return 2
		}
		return withManager(ctx, cfg, recorder, profileRef, func(mgr *recipe.Manager) (*recipe.RunReport, error) {
			return mgr.Deny(ctx, rest[0], rest[1], *reason)
		})

	default:
		fmt.Fprintf(os.Stderr, "Unknown recipe command %q\n", args[0])
		return 2
	}
}

// parseSub parses a subcommand flag set and checks the positional count.
func parseSub(fs *flag.FlagSet, args []string, positional int, usage string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != positional {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		return nil, errors.New("wrong argument count")
	}
	return fs.Args(), nil
}

// withManager boots a full kernel for commands that execute stages: they
// need the profile's providers and tools mounted.
func withManager(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, profileRef string, fn func(*recipe.Manager) (*recipe.RunReport, error)) int {
	k, err := bootKernel(ctx, cfg, recorder, profileRef)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer func() {
		if err := k.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
		}
	}()

	mgr, err := k.Recipes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	report, err := fn(mgr)
	if report != nil {
		printReport(report)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Interrupted; resume with 'conductor recipe resume'.")
		return 130
	default:
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
}

// withStore serves the read-only commands without mounting a profile.
func withStore(cfg *config.Config, fn func(*persistence.Store) error) int {
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if err := fn(store); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func listSessions(store *persistence.Store) error {
	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	fmt.Printf("%-36s  %-20s  %-18s  %s\n", "SESSION", "RECIPE", "STATUS", "STAGE")
	for i := range sessions {
		s := &sessions[i]
		fmt.Printf("%-36s  %-20s  %-18s  %d\n", s.SessionID, s.RecipeName, s.Status, s.StageIndex)
	}
	return nil
}

func listApprovals(store *persistence.Store) error {
	approvals, err := store.PendingApprovals(context.Background())
	if err != nil {
		return err
	}
	if len(approvals) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	fmt.Printf("%-36s  %-20s  %s\n", "SESSION", "STAGE", "REQUESTED")
	for i := range approvals {
		a := &approvals[i]
		fmt.Printf("%-36s  %-20s  %s\n", a.SessionID, a.StageName, a.RequestedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func printReport(report *recipe.RunReport) {
	for i := range report.Stages {
		st := &report.Stages[i]
		fmt.Printf("--- stage %s (%s)\n", st.Name, st.Outcome)
		if st.Content != "" {
			fmt.Println(st.Content)
		}
	}
	if report.Suspended {
		fmt.Printf("Session %s is awaiting approval for stage %q.\n", report.SessionID, report.PendingStage)
		fmt.Printf("Decide with: conductor recipe approve %s %s\n", report.SessionID, report.PendingStage)
		return
	}
	fmt.Printf("Session %s: %s\n", report.SessionID, report.Status)
}
