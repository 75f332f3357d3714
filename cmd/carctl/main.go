// Command carctl is the operator CLI over this module's contracts: drive
// the autorunner loop, step the ticket-flow engine, run a doc-chat or
// spec-ingest turn, run a registered flow, or serve /metrics, all against
// one repo workspace's config.yml.
//
// Replaces the teacher's cmd/maestro/main.go (2513 lines wiring a
// PM/architect/coder agent set with a web UI and Docker build sandbox)
// wholesale: that surface has no analogue in this spec. The composition
// root's shape — load config, build every service once, subcommand
// dispatch via flag.NewFlagSet, fmt.Errorf-wrapped failures reported with
// log.Fatalf — is kept from cmd/maestro/bootstrap.go and main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucky401/carrunner/internal/autorunner"
	"github.com/lucky401/carrunner/internal/docchat"
	"github.com/lucky401/carrunner/internal/specingest"
	"github.com/lucky401/carrunner/internal/ticketflow"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "doctor":
		err = cmdDoctor(os.Args[2:])
	case "ticketflow":
		err = cmdTicketFlow(ctx, os.Args[2:])
	case "docchat":
		err = cmdDocChat(ctx, os.Args[2:])
	case "specingest":
		err = cmdSpecIngest(ctx, os.Args[2:])
	case "flow":
		err = cmdFlow(ctx, os.Args[2:])
	case "metrics-serve":
		err = cmdMetricsServe(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("carctl %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: carctl <run|doctor|ticketflow|docchat|specingest|flow|metrics-serve> [flags]")
}

func repoRootFlag(fs *flag.FlagSet) *string {
	return fs.String("repo", ".", "repo workspace root")
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	repo := repoRootFlag(fs)
	stopAfter := fs.Int("stop-after-runs", 0, "stop after N runs (0 = use config default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := NewApp(*repo)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Autorunner.OnEvent(func(evt autorunner.Event) {
		fmt.Printf("[%s] run=%d exit=%d %s\n", evt.Kind, evt.RunID, evt.ExitCode, evt.Detail)
	})

	return app.Autorunner.Run(ctx, autorunner.Options{StopAfterRuns: *stopAfter})
}

func cmdDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	repo := repoRootFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := autorunner.Doctor(*repo)
	if err != nil {
		return err
	}
	for _, check := range report.Checks {
		fmt.Printf("[%s] %s: %s\n", check.Status, check.CheckID, check.Message)
	}
	if report.HasErrors() {
		os.Exit(1)
	}
	return nil
}

func cmdTicketFlow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ticketflow", flag.ExitOnError)
	repo := repoRootFlag(fs)
	steps := fs.Int("steps", 1, "number of Step() calls to drive before exiting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := NewApp(*repo)
	if err != nil {
		return err
	}
	defer app.Close()

	state := ticketflow.NewState()
	for i := 0; i < *steps; i++ {
		var res ticketflow.StepResult
		state, res, err = app.TicketFlow.Step(ctx, state)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		fmt.Printf("step %d: status=%s ticket=%s reason=%s\n", i, res.Status, state.CurrentTicket, res.Reason)
		if res.Status == ticketflow.StatusCompleted || res.Status == ticketflow.StatusFailed {
			break
		}
	}
	return nil
}

func cmdDocChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("docchat", flag.ExitOnError)
	repo := repoRootFlag(fs)
	kind := fs.String("kind", "todo", "work doc kind (todo|progress|opinions|spec|summary)")
	message := fs.String("message", "", "chat message")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := NewApp(*repo)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.DocChat.Execute(ctx, docchat.Request{Kind: *kind, Message: *message})
	if err != nil {
		return err
	}
	fmt.Printf("status=%s\nmessage:\n%s\npatch:\n%s\n", result.Status, result.AgentMessage, result.Patch)
	return nil
}

func cmdSpecIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("specingest", flag.ExitOnError)
	repo := repoRootFlag(fs)
	force := fs.Bool("force", false, "overwrite non-empty work docs")
	message := fs.String("message", "", "chat message for a follow-up spec-ingest turn")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := NewApp(*repo)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.SpecIngest.Execute(ctx, *force, "", *message)
	if err != nil {
		return err
	}
	fmt.Printf("status=%s\nmessage:\n%s\n", result.Status, result.AgentMessage)
	return nil
}

func cmdFlow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("flow", flag.ExitOnError)
	repo := repoRootFlag(fs)
	flowType := fs.String("type", "pr_flow", "registered flow type")
	id := fs.String("id", "", "run id (required)")
	issueURL := fs.String("issue-url", "", "issue URL, for an issue-backed pr_flow run")
	prURL := fs.String("pr-url", "", "PR URL, for a PR-backed pr_flow run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	app, err := NewApp(*repo)
	if err != nil {
		return err
	}
	defer app.Close()

	input := map[string]any{"repo_root": *repo}
	switch {
	case *issueURL != "":
		input["input_type"] = "issue"
		input["issue_url"] = *issueURL
	case *prURL != "":
		input["input_type"] = "pr"
		input["pr_url"] = *prURL
	}

	if _, err := app.Flows.StartFlow(ctx, *flowType, *id, input); err != nil {
		return fmt.Errorf("start flow: %w", err)
	}
	if err := app.Flows.RunFlow(ctx, *id); err != nil {
		return fmt.Errorf("run flow: %w", err)
	}

	run, err := app.Flows.GetRun(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("flow %s: status=%s step=%s\n", *id, run.Status, run.CurrentStep)
	return nil
}

func cmdMetricsServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("metrics-serve", flag.ExitOnError)
	repo := repoRootFlag(fs)
	addr := fs.String("addr", "127.0.0.1:9090", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := NewApp(*repo)
	if err != nil {
		return err
	}
	defer app.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	server := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	fmt.Printf("serving /metrics on %s\n", *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
