package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-dispatch/internal/orders"
	"github.com/glimte/mmate-dispatch/messaging"
)

func main() {
	var (
		verbose bool
		timeout time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "orders-demo",
		Short: "Run the order flow through the dispatcher, outbox and inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return run(ctx, logger)
		},
	}
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up if the outbox has not drained by then")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {

	app, err := orders.NewApp(orders.AppConfig{Logger: logger})
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Stop(context.Background())

	fmt.Println("Creating orders...")
	customers := []orders.CreateOrder{
		{CustomerName: "Jane", ItemCount: 2, Total: 40.00},
		{CustomerName: "Ola", ItemCount: 5, Total: 120.50},
		{CustomerName: "Kari", ItemCount: 1, Total: 9.99},
	}
	ids := make([]string, 0, len(customers))
	for _, cmd := range customers {
		id, err := messaging.InvokeAs[string](ctx, app.Dispatcher, cmd)
		if err != nil {
			return fmt.Errorf("create order for %s: %w", cmd.CustomerName, err)
		}
		fmt.Printf("  %s -> %s\n", cmd.CustomerName, id)
		ids = append(ids, id)
	}

	fmt.Println("Shipping and cancelling through the outbox...")
	if err := app.Dispatcher.Send(ctx, orders.ShipOrder{OrderID: ids[0]}); err != nil {
		return err
	}
	if err := app.Dispatcher.Send(ctx, orders.CancelOrder{OrderID: ids[2], Reason: "Out of stock"}); err != nil {
		return err
	}

	if err := waitForDrain(ctx, app); err != nil {
		return err
	}

	fmt.Println()
	for _, id := range ids {
		order, err := messaging.InvokeAs[orders.Order](ctx, app.Dispatcher, orders.GetOrder{OrderID: id})
		if err != nil {
			return err
		}
		fmt.Printf("%-38s %-8s %-10s reserved=%d\n", order.ID, order.CustomerName, order.Status, app.Inventory.Reserved(id))
	}

	created, shipped, revenue := app.Analytics.Snapshot()
	fmt.Printf("\nAnalytics: %d created, %d shipped, revenue $%.2f\n", created, shipped, revenue)

	printRelays(app)

	report := app.Health.Check(ctx)
	fmt.Printf("\nHealth: %s\n", report.Status)
	return nil
}

// waitForDrain polls until the outbox is empty and the broker has nothing in flight
func waitForDrain(ctx context.Context, app *orders.App) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("outbox did not drain: %w", ctx.Err())
		case <-ticker.C:
		}

		stats, err := app.Store.Stats(ctx)
		if err != nil {
			return err
		}
		_, shipped, _ := app.Analytics.Snapshot()
		if stats.Pending == 0 && shipped == 1 {
			// let the last events reach their subscribers
			time.Sleep(100 * time.Millisecond)
			return nil
		}
	}
}

func printRelays(app *orders.App) {
	summary := app.Metrics.GetMetricsSummary()
	destinations := make([]string, 0, len(summary.Relays))
	for d := range summary.Relays {
		destinations = append(destinations, d)
	}
	sort.Strings(destinations)

	fmt.Printf("\n%-30s %-6s %-8s\n", "Destination", "Sent", "Failed")
	fmt.Println(strings.Repeat("-", 46))
	for _, d := range destinations {
		r := summary.Relays[d]
		fmt.Printf("%-30s %-6d %-8d\n", d, r.Sent, r.Failed)
	}
}
