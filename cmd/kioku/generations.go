package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newGenerationsCmd() *cobra.Command {
	var (
		session string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "List consolidation checkpoints for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.New(src.Config().Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			gens, err := st.ListGenerations(cmd.Context(), session, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(gens)
			}
			if len(gens) == 0 {
				fmt.Fprintf(out, "No generations recorded for session %q.\n", session)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tGEN\tFRAGMENTS\tSTARTED\tCONSOLIDATED\tARCHIVE\tSUMMARY")
			for _, g := range gens {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
					shortID(g.InstanceID), g.Generation, g.FragmentCount,
					g.StartedAt.Format("2006-01-02 15:04:05"),
					g.ConsolidatedAt.Format("2006-01-02 15:04:05"),
					orDash(g.ArchiveKey), orDash(clip(g.Summary, 50)))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session key (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of generations, newest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
