package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"conductor/pkg/config"
	"conductor/pkg/metrics"
)

// runUsage reports a session's token totals from the Prometheus server
// scraping the metrics endpoint.
func runUsage(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	byProvider := fs.Bool("by-provider", false, "Break the totals down per provider backend")
	rest, err := parseSub(fs, args, 1, "conductor usage <session> [-by-provider]")
	if err != nil {
		return 2
	}
	if cfg.PrometheusURL == "" {
		fmt.Fprintln(os.Stderr, "Set prometheus_url in the config to query usage.")
		return 1
	}

	svc, err := metrics.NewQueryService(cfg.PrometheusURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	session := rest[0]

	if *byProvider {
		perProvider, err := svc.GetSessionMetricsByProvider(ctx, session)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if len(perProvider) == 0 {
			fmt.Println("No usage recorded.")
			return 0
		}
		names := make([]string, 0, len(perProvider))
		for name := range perProvider {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Printf("%-12s  %12s  %12s  %12s\n", "PROVIDER", "PROMPT", "COMPLETION", "TOTAL")
		for _, name := range names {
			m := perProvider[name]
			fmt.Printf("%-12s  %12d  %12d  %12d\n", name, m.PromptTokens, m.CompletionTokens, m.TotalTokens)
		}
		return 0
	}

	m, err := svc.GetSessionMetrics(ctx, session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Printf("Session %s: %d prompt + %d completion = %d tokens over %d provider calls\n",
		m.Session, m.PromptTokens, m.CompletionTokens, m.TotalTokens, m.Requests)
	return 0
}
