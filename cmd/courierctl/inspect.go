package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bjaus/courier"
	"github.com/spf13/cobra"
)

func newInspectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the engine configuration and registered handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = rt.close(context.Background()) }()
			printInspection(cmd.OutOrStdout(), rt)
			return nil
		},
	}
}

func printInspection(w io.Writer, rt *app) {
	e := rt.engine
	fmt.Fprintf(w, "async commands:    %t\n", e.CommandBus().Async())
	fmt.Fprintf(w, "event store:       %s\n", rt.cfg.EventStore)
	fmt.Fprintf(w, "correlation:       %d provider(s)\n", e.Correlation().Len())
	fmt.Fprintf(w, "resolver chain:    %d factories\n", len(e.ResolverFactory().Factories()))
	fmt.Fprintf(w, "command handlers:  %d\n", e.HandlerCount(courier.CommandKind))
	fmt.Fprintf(w, "event handlers:    %d\n", e.HandlerCount(courier.EventKind))
	fmt.Fprintf(w, "saga handlers:     %d\n", e.HandlerCount(courier.SagaEventKind))
	fmt.Fprintf(w, "sourcing handlers: %d\n", e.HandlerCount(courier.EventSourcingKind))
	fmt.Fprintf(w, "sagas:             %s\n", strings.Join(e.Sagas(), ", "))
	fmt.Fprintf(w, "aggregates:        %s\n", strings.Join(e.Aggregates(), ", "))
	for _, def := range e.Registry().Handlers(courier.CommandKind) {
		fmt.Fprintf(w, "  command %s -> %s\n", def.Name(), def.Signature())
	}
	for _, def := range e.Registry().Handlers(courier.SagaEventKind) {
		fmt.Fprintf(w, "  saga event %s -> %s\n", def.Name(), def.Signature())
	}
	for _, err := range e.Registry().Excluded() {
		fmt.Fprintf(w, "  excluded: %v\n", err)
	}
}
