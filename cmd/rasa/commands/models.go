package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/stores"
)

func newModelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect trained models, runs and the audit log",
	}

	cmd.AddCommand(newModelsListCommand())
	cmd.AddCommand(newModelsShowCommand())
	cmd.AddCommand(newModelsRunsCommand())
	cmd.AddCommand(newModelsAuditCommand())

	return cmd
}

func newModelsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List model archives",
		Long: `List model archives from the catalog. Without a store, the models
directory is scanned instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			var archives []*stores.Archive
			if env.store != nil {
				archives, err = env.store.ListArchives(ctx, limit, 0)
			} else {
				archives, err = scanArchives(env.persistence(), env.cfg.Models.Dir)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), archives)
			}
			if len(archives) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No models found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tLANGUAGE\tCOMPONENTS\tPATH")
			for _, a := range archives {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.CreatedAt.Format(time.RFC3339), a.Language, len(a.Components), a.Path)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of archives")

	return cmd
}

// scanArchives reads the manifest of every archive directory below dir,
// newest first.
func scanArchives(pm *engine.PersistenceManager, dir string) ([]*stores.Archive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read models directory: %w", err)
	}
	var archives []*stores.Archive
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].IsDir() {
			continue
		}
		path := filepath.Join(dir, entries[i].Name())
		m, err := pm.ReadManifest(path)
		if err != nil {
			continue
		}
		components := make([]string, len(m.Pipeline))
		for j, s := range m.Pipeline {
			components[j] = s.Component
		}
		archives = append(archives, &stores.Archive{
			ID:            m.ArchiveID,
			Path:          path,
			Fingerprint:   m.Fingerprint,
			FormatVersion: m.FormatVersion,
			EngineVersion: m.EngineVersion,
			Language:      m.Language,
			Components:    components,
			CreatedAt:     m.CreatedAt,
		})
	}
	return archives, nil
}

func newModelsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID|PATH",
		Short: "Show the manifest of a model archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			path := args[0]
			if _, statErr := os.Stat(path); statErr != nil {
				if env.store == nil {
					return fmt.Errorf("no archive at %s", path)
				}
				a, err := env.store.GetArchive(ctx, args[0])
				if err != nil {
					return err
				}
				path = a.Path
			}

			m, err := env.persistence().ReadManifest(path)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), m)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Archive:     %s\n", m.ArchiveID)
			fmt.Fprintf(w, "Path:        %s\n", path)
			fmt.Fprintf(w, "Created:     %s\n", m.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Language:    %s\n", m.Language)
			fmt.Fprintf(w, "Fingerprint: %s\n", m.Fingerprint)
			fmt.Fprintf(w, "Engine:      %s (format %s)\n", m.EngineVersion, m.FormatVersion)
			fmt.Fprintln(w, "Pipeline:")
			for _, s := range m.Pipeline {
				fmt.Fprintf(w, "  %d. %s (%s)\n", s.Position, s.Name, s.Component)
			}
			return nil
		},
	}
}

func newModelsRunsCommand() *cobra.Command {
	var (
		phase string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)
			if env.store == nil {
				return fmt.Errorf("runs are only recorded with store.path set")
			}

			var filter *engine.Phase
			if phase != "" {
				p := engine.Phase(phase)
				filter = &p
			}
			runs, err := env.store.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPHASE\tSTATUS\tEXAMPLES\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Phase, r.Status, r.Examples,
					r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "only runs of this phase (train, inference)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

func newModelsAuditCommand() *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)
			if env.store == nil {
				return fmt.Errorf("the audit log requires store.path")
			}

			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := env.store.ListAuditEntries(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Actor,
					deref(e.TargetID), strings.ReplaceAll(deref(e.Details), "\t", " "))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action, e.g. model.trained")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
