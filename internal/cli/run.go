package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rebook/internal/service"

	"github.com/spf13/cobra"
)

var workerNames = []string{
	service.WorkerConfirmationIssuer,
	service.WorkerAutoCancelSweep,
	service.WorkerWaterfallAdvance,
	service.WorkerReminderSender,
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var drainTimeout time.Duration
	cmd := &cobra.Command{
		Use:       "run <worker>",
		Short:     "Run one pass of a worker and wait for its messages to go out",
		ValidArgs: workerNames,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := bootstrap(ctx, opts, "run")
			if err != nil {
				return err
			}
			defer e.Close()

			dispatchCtx, cancelDispatch := context.WithCancel(ctx)
			defer func() {
				cancelDispatch()
				e.app.Wait()
			}()
			if err := e.app.StartDispatcher(dispatchCtx); err != nil {
				return fmt.Errorf("start dispatcher: %w", err)
			}

			summary, err := e.app.RunWorker(ctx, args[0])
			if err != nil {
				return err
			}

			drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
			defer cancel()
			if err := e.app.Drain(drainCtx); err != nil {
				e.logger.Warn().Err(err).Msg("Messages left queued for the next start")
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(summary)
		},
	}
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", time.Minute, "how long to wait for queued messages")
	return cmd
}
