package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"followup/internal/sequence"
)

func init() {
	rootCmd.AddCommand(sequencesCmd)
	sequencesCmd.AddCommand(sequencesListCmd)
	sequencesCmd.AddCommand(sequencesValidateCmd)
}

var sequencesCmd = &cobra.Command{
	Use:     "sequences",
	Aliases: []string{"seq"},
	Short:   "Inspect sequence definitions",
}

var sequencesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List builtin and configured sequences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := sequence.NewRegistry(cfg.Sequences.Dir, zerolog.Nop())
		if err := registry.Load(); err != nil {
			return err
		}
		var rows [][]string
		for _, d := range registry.List() {
			rows = append(rows, []string{d.Name, string(d.UseCase), strconv.Itoa(len(d.Steps)), d.Source})
		}
		return writeTable(cmd.OutOrStdout(), []string{"NAME", "USE CASE", "STEPS", "SOURCE"}, rows)
	},
}

var sequencesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check sequence definition files",
	Example: `  followupd sequences validate sequences/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		var failed int
		for _, path := range args {
			d, err := sequence.LoadFile(path)
			if err != nil {
				failed++
				fmt.Fprintf(out, "FAIL  %s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(out, "ok    %s: %s (%d steps)\n", path, d.Name, len(d.Steps))
		}
		if failed > 0 {
			return errors.New(strconv.Itoa(failed) + " invalid definition file(s)")
		}
		return nil
	},
}
