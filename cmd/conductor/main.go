// Command conductor is the host runtime: it resolves a profile, mounts
// the modules it declares and drives prompts or multi-stage recipes
// through the orchestration loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/kernel"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/loop"
	"conductor/pkg/metrics"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `Usage: conductor [flags] <command>

Commands:
  run <prompt>                      drive one prompt through the loop
  recipe execute <path> [-var k=v]  start a recipe session
  recipe validate <path>            check a recipe document
  recipe resume <session>           resume an interrupted session
  recipe list                       list known sessions
  recipe approvals                  list pending approval gates
  recipe approve <session> <stage>  approve a pending gate
  recipe deny <session> <stage> [-reason text]
  usage <session> [-by-provider]    token totals for one session
  secrets init                      create an encrypted secrets file
  secrets set <KEY>                 store one secret

Flags:
`

func main() {
	var (
		configPath  = flag.String("config", config.DefaultFileName, "Path to host config file")
		profileRef  = flag.String("profile", "", "Profile to mount (default from config)")
		metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	os.Exit(run(*configPath, *profileRef, *metricsAddr, flag.Args()))
}

// run holds the command logic so defers fire before the process exits.
func run(configPath, profileRef, metricsAddr string, args []string) int {
	// .env is optional; a missing file is the normal case.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if profileRef == "" {
		profileRef = cfg.DefaultProfile
	}

	if err := cfg.EnsureStateDir(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := logx.InitLogFile(cfg.LogPath()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return 1
	}
	defer logx.CloseLogFile()

	// Secrets management runs before decryption: it must work when the
	// file does not exist yet.
	if args[0] == "secrets" {
		return runSecrets(cfg, args[1:])
	}

	if err := loadSecrets(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder := metrics.Recorder(metrics.NopRecorder{})
	if cfg.MetricsAddr != "" {
		recorder = metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)
		go serveMetrics(cfg.MetricsAddr)
	}

	switch args[0] {
	case "run":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: conductor run <prompt>")
			return 2
		}
		return runPrompt(ctx, cfg, recorder, profileRef, args[1])
	case "recipe":
		return runRecipe(ctx, cfg, recorder, profileRef, args[1:])
	case "usage":
		return runUsage(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", args[0])
		flag.Usage()
		return 2
	}
}

// bootKernel builds the kernel and mounts the profile. The caller owns
// shutdown.
func bootKernel(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, profileRef string) (*kernel.Kernel, error) {
	k, err := kernel.New(cfg, recorder)
	if err != nil {
		return nil, err
	}
	if err := k.MountProfile(ctx, profileRef); err != nil {
		_ = k.Shutdown(ctx)
		return nil, err
	}
	return k, nil
}

func runPrompt(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, profileRef, prompt string) int {
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

	result, err := k.RunPrompt(ctx, prompt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}

	fmt.Println(result.Content)
	if result.Outcome != loop.OutcomeCompleted {
		fmt.Fprintf(os.Stderr, "(outcome: %s, turns: %d)\n", result.Outcome, result.Turns)
	}
	if result.Err != nil {
		fmt.Fprintf(os.Stderr, "Run ended with error: %v\n", result.Err)
		return 1
	}
	return 0
}

func serveMetrics(addr string) {
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Warnf("metrics server failed: %v", err)
	}
}
