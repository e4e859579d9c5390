package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bjaus/courier"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDemoCmd(configPath *string) *cobra.Command {
	var (
		count   int
		deliver int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Place, ship and deliver orders through the engine",
		Long: `Demo places --orders orders, ships them all, and delivers the first
--deliver of them. Each order starts a fulfilment saga that ends on
delivery, so the remaining orders leave active sagas behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deliver > count {
				return fmt.Errorf("cannot deliver %d of %d orders", deliver, count)
			}
			rt, err := newApp(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := runDemo(ctx, rt, count, deliver); err != nil {
				return err
			}
			if err := rt.close(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "orders placed:     %d\n", count)
			fmt.Fprintf(out, "orders delivered:  %d\n", deliver)
			for _, name := range rt.engine.Sagas() {
				fmt.Fprintf(out, "active %s sagas: %d\n", name, rt.engine.SagaCount(name))
			}
			return printMetrics(out, rt)
		},
	}
	cmd.Flags().IntVar(&count, "orders", 3, "number of orders to place")
	cmd.Flags().IntVar(&deliver, "deliver", 1, "number of orders to deliver")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall time limit")
	return cmd
}

func runDemo(ctx context.Context, rt *app, count, deliver int) error {
	futures := make([]*courier.Future, count)
	for i := range count {
		futures[i] = rt.engine.DispatchCommandAsync(ctx, courier.NewMessage(PlaceOrder{
			OrderID: fmt.Sprintf("order-%d", i+1),
			Items:   i + 1,
		}))
	}
	for i, f := range futures {
		id, err := f.Get(ctx)
		if err != nil {
			return fmt.Errorf("place order %d: %w", i+1, err)
		}
		if err := rt.orders.Ship(ctx, id.(string)); err != nil {
			return fmt.Errorf("ship %s: %w", id, err)
		}
		if i < deliver {
			err := rt.engine.Publish(ctx, courier.NewMessage(OrderDelivered{Tracking: "trk-" + id.(string)}))
			if err != nil {
				return fmt.Errorf("deliver %s: %w", id, err)
			}
		}
	}
	rt.logger.Info("demo finished", zap.Int("orders", count), zap.Int("delivered", deliver))
	return nil
}

func printMetrics(w io.Writer, rt *app) error {
	families, err := rt.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	var lines []string
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
		if total > 0 {
			lines = append(lines, fmt.Sprintf("%s %g", mf.GetName(), total))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
