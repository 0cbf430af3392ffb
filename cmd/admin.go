package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Shivanand-hulikatti/career-day/internal/database"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
)

func newMigrateCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		Long: "Apply the PostgreSQL schema, including the enrollment procedures a PostgREST\n" +
			"backend needs. With --print the schema is written to stdout instead, for\n" +
			"pasting into a hosted backend's SQL console.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				_, err := io.WriteString(cmd.OutOrStdout(), database.Schema())
				return err
			}
			return runMigrate(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func runMigrate(ctx context.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info("schema applied")
	return nil
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <roster.yaml>",
		Short: "Load locations, speakers, talks and students from a roster file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roster, err := readRoster(args[0])
			if err != nil {
				return err
			}
			return runImport(cmd.Context(), roster)
		},
	}
}

// readRoster decodes a roster file, rejecting unknown keys.
func readRoster(path string) (model.Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Roster{}, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return decodeRoster(f)
}

func decodeRoster(r io.Reader) (model.Roster, error) {
	var roster model.Roster
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&roster); err != nil {
		return model.Roster{}, fmt.Errorf("decode roster: %w", err)
	}
	return roster, nil
}

func runImport(ctx context.Context, roster model.Roster) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := newService(st, cfg, log).ImportRoster(ctx, roster); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"locations": len(roster.Locations),
		"speakers":  len(roster.Speakers),
		"talks":     len(roster.Talks),
		"students":  len(roster.Students),
	}).Info("roster imported")
	return nil
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-talk occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := newService(st, cfg, log).EnrollmentStats(cmd.Context())
			if err != nil {
				return err
			}
			return writeStats(cmd.OutOrStdout(), stats)
		},
	}
}

func writeStats(w io.Writer, stats []model.TalkStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTALK\tTOPIC\tLOCATION\tENROLLED\tCAPACITY\tFULL")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d%%\n",
			int(s.Session), s.TalkID, s.Topic, s.Location, s.Enrolled, s.Capacity, s.PercentFull)
	}
	return tw.Flush()
}

func newExportCmd() *cobra.Command {
	var (
		filter model.OverviewFilter
		status string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the student overview as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			svc := newService(st, cfg, log)
			filter.Status = model.OverviewStatus(status)
			var n int
			if output == "" || output == "-" {
				n, err = svc.ExportOverviewCSV(cmd.Context(), filter, cmd.OutOrStdout())
			} else {
				n, err = exportToFile(output, func(w io.Writer) (int, error) {
					return svc.ExportOverviewCSV(cmd.Context(), filter, w)
				})
			}
			if err != nil {
				return err
			}
			log.WithField("students", n).Info("overview exported")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&filter.Classes, "class", nil, "only these classes")
	cmd.Flags().StringVar(&filter.Search, "search", "", "name or NIS contains")
	cmd.Flags().StringVar(&status, "status", "", "all, complete, incomplete, session_1_only or session_2_only")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// exportToFile creates path and runs export into it. A failed close is
// returned as the error.
func exportToFile(path string, export func(io.Writer) (int, error)) (n int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return export(f)
}
