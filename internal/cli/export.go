package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func newExportCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export reports",
	}
	cmd.AddCommand(newExportCostsCmd(opts))
	return cmd
}

func newExportCostsCmd(opts *rootOptions) *cobra.Command {
	var fromFlag, toFlag string
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Export message costs per salon and template to XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parsePeriod(fromFlag, toFlag, time.Now())
			if err != nil {
				return err
			}

			e, err := bootstrap(cmd.Context(), opts, "export")
			if err != nil {
				return err
			}
			defer e.Close()

			path, err := e.app.ExportCosts(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromFlag, "from", "", "first day, YYYY-MM-DD (default: 30 days ago)")
	cmd.Flags().StringVar(&toFlag, "to", "", "last day inclusive, YYYY-MM-DD (default: today)")
	return cmd
}

// parsePeriod turns inclusive UTC days into a half-open [from, to) range.
func parsePeriod(fromFlag, toFlag string, now time.Time) (time.Time, time.Time, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	from := today.AddDate(0, 0, -30)
	to := today.AddDate(0, 0, 1)

	if fromFlag != "" {
		parsed, err := time.Parse(dateLayout, fromFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = parsed
	}
	if toFlag != "" {
		parsed, err := time.Parse(dateLayout, toFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = parsed.AddDate(0, 0, 1)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must not be after --to")
	}
	return from, to, nil
}
