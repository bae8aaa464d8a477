package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/app"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Query long-term memory and short-term buffers",
	}
	cmd.AddCommand(newMemorySearchCmd())
	cmd.AddCommand(newMemoryShortTermCmd())
	return cmd
}

func newMemorySearchCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <pattern>",
		Short: "List remembered exchanges whose input contains pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := loadConfig()
			if err != nil {
				return err
			}
			cfg := src.Config()

			st, err := store.New(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			ltm, closeLTM, err := app.OpenLongTerm(ctx, cfg.Memory, st.DB(), zerolog.Nop())
			if err != nil {
				return err
			}
			defer closeLTM()

			frags, err := ltm.Query(ctx, args[0], limit)
			if err != nil {
				return fmt.Errorf("memory search: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(frags)
			}
			if len(frags) == 0 {
				fmt.Fprintln(out, "No matching fragments.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tINSTANCE\tGEN\tINPUT\tRESPONSE")
			for _, f := range frags {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					f.Timestamp.Format("2006-01-02 15:04:05"),
					shortID(f.InstanceID), f.Generation,
					clip(f.Input, 40), clip(f.Response, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of fragments")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newMemoryShortTermCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "short-term <instance-id>",
		Short: "Show the inputs buffered for an instance's current generation",
		Long: `Reads the short-term buffer of an instance from the configured store.
Buffers of instances that stopped without consolidating stay readable
until their TTL expires. Only the redis backend is visible from outside
the server; the memory backend lives inside the running process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := loadConfig()
			if err != nil {
				return err
			}
			cfg := src.Config()
			if cfg.Memory.ShortTerm != config.ShortTermRedis {
				return fmt.Errorf("memory short-term: backend %q is process-local, query GET /instances/%s/short-term on the server instead",
					cfg.Memory.ShortTerm, args[0])
			}

			ctx := cmd.Context()
			stm, closeSTM, err := app.OpenShortTerm(ctx, cfg.Memory)
			if err != nil {
				return err
			}
			defer closeSTM()

			inputs, err := stm.Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("memory short-term: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if inputs == nil {
					inputs = []string{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(inputs)
			}
			if len(inputs) == 0 {
				fmt.Fprintf(out, "No buffered inputs for instance %q.\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tINPUT")
			for i, in := range inputs {
				fmt.Fprintf(w, "%d\t%s\n", i+1, clip(in, 80))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

// clip shortens s to n runes on one line.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
