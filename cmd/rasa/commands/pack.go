package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/engine"
)

func newPackCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:     "pack ARCHIVE_DIR",
		Short:   "Pack a model archive into a single tar.gz file",
		Example: `  rasa pack models/20260101-120000 -o model.tar.gz`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Clean(args[0])
			if outFile == "" {
				outFile = filepath.Base(dir) + ".tar.gz"
			}

			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			if err := engine.Pack(dir, f); err != nil {
				_ = f.Close()
				_ = os.Remove(outFile)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}

			log.Info().Str("archive", dir).Str("file", outFile).Msg("Packed model")
			fmt.Fprintf(cmd.OutOrStdout(), "Packed %s to %s\n", dir, outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default: <archive name>.tar.gz)")

	return cmd
}

func newUnpackCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "unpack FILE",
		Short: "Unpack a packed model into an archive directory",
		Long: `Unpack a file written by "rasa pack" and check that the result is a
loadable archive manifest.`,
		Example: `  rasa unpack model.tar.gz -o models/imported`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if outDir == "" {
				outDir = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(args[0]), ".gz"), ".tar")
			}
			if _, err := os.Stat(outDir); err == nil {
				return fmt.Errorf("%s already exists", outDir)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			if err := engine.Unpack(f, outDir); err != nil {
				_ = os.RemoveAll(outDir)
				return err
			}

			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			m, err := env.persistence().ReadManifest(outDir)
			if err != nil {
				_ = os.RemoveAll(outDir)
				return err
			}
			env.audit(ctx, "model.imported", m.ArchiveID, map[string]interface{}{"path": outDir, "source": args[0]})

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"archive_id": m.ArchiveID, "path": outDir})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unpacked archive %s to %s\n", m.ArchiveID, outDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "target directory (default: file name without extension)")

	return cmd
}
