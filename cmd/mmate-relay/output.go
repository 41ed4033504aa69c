package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glimte/mmate-dispatch/monitor"
	"github.com/glimte/mmate-dispatch/outbox"
)

func printStats(stats outbox.Stats, now time.Time) {
	fmt.Printf("Pending: %d\n", stats.Pending)
	fmt.Printf("Sent:    %d\n", stats.Sent)

	oldest := "N/A"
	if age := stats.OldestPendingAge(now); age > 0 {
		oldest = age.Truncate(time.Second).String() + " ago"
	}
	fmt.Printf("Oldest pending: %s\n", oldest)
}

func printSummary(summary monitor.MetricsSummary) {
	if len(summary.Relays) == 0 {
		fmt.Println("Nothing relayed")
		return
	}

	destinations := make([]string, 0, len(summary.Relays))
	for d := range summary.Relays {
		destinations = append(destinations, d)
	}
	sort.Strings(destinations)

	fmt.Printf("%-40s %-10s %-10s %-10s %-12s %-10s\n", "Destination", "Sent", "Failed", "Retried", "Max Attempt", "P95 (ms)")
	fmt.Println(strings.Repeat("-", 97))

	for _, d := range destinations {
		r := summary.Relays[d]
		fmt.Printf("%-40s %-10d %-10d %-10d %-12d %-10d\n",
			truncate(d, 40),
			r.Sent,
			r.Failed,
			r.Retried,
			r.MaxAttempt,
			r.Latency.P95Ms,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
