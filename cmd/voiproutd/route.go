package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"voip-router/internal/config"
	"voip-router/internal/db"
	"voip-router/internal/fsxml"
	"voip-router/internal/models"
	"voip-router/internal/routing"
	"voip-router/internal/store"
)

func routeCmd() *cobra.Command {
	var (
		call models.CallContext
		dir  string
		at   string
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the dialplan document for one call without placing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := slog.New(cfg.SlogHandler(os.Stderr))

			switch models.Direction(dir) {
			case models.DirectionInbound, models.DirectionOutbound:
				call.Direction = models.Direction(dir)
			default:
				return fmt.Errorf("direction %q: want inbound or outbound", dir)
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				call.At = t
			}

			pool, err := db.NewPool(cmd.Context(), cfg.DB)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			router := routing.New(routing.Options{
				Store:         store.NewPostgres(pool),
				Logger:        logger,
				LookupTimeout: cfg.Lookup.Timeout,
				RetryTimeout:  cfg.Lookup.RetryTimeout,
				RecordingPath: cfg.Recordings.Path,
			})

			return printDocument(cmd.Context(), cmd.OutOrStdout(), router, call)
		},
	}

	cmd.Flags().StringVar(&call.Domain, "domain", "", "tenant SIP domain")
	cmd.Flags().StringVar(&dir, "direction", string(models.DirectionInbound), "inbound or outbound")
	cmd.Flags().StringVar(&call.CallerID, "caller", "", "caller number")
	cmd.Flags().StringVar(&call.Destination, "callee", "", "dialed number")
	cmd.Flags().StringVar(&at, "at", "", "evaluate time conditions at this RFC3339 time")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("callee")

	return cmd
}

func printDocument(ctx context.Context, w io.Writer, router *routing.Router, call models.CallContext) error {
	doc, err := fsxml.Render(router.Route(ctx, call))
	if err != nil {
		return err
	}
	if err := fsxml.Encode(w, doc); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w)
	return err
}
