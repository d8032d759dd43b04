package cli

import (
	"fmt"

	"rebook/internal/service"

	"github.com/spf13/cobra"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	seedOpts := service.SeedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with demo bookings and waitlists",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(cmd.Context(), opts, "seed")
			if err != nil {
				return err
			}
			defer e.Close()

			result, err := e.app.Seed(cmd.Context(), seedOpts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bookings: %d, waitlist entries: %d, quiet hours: %d\n",
				result.Bookings, result.WaitlistEntries, result.QuietHours)
			return nil
		},
	}
	cmd.Flags().IntVar(&seedOpts.Salons, "salons", 3, "number of salons")
	cmd.Flags().IntVar(&seedOpts.BookingsPerSalon, "bookings", 10, "pending bookings per salon")
	cmd.Flags().IntVar(&seedOpts.WaitlistPerSalon, "waitlist", 20, "waitlist entries per salon")
	cmd.Flags().Int64Var(&seedOpts.Seed, "seed", 0, "faker seed, 0 for random")
	return cmd
}
