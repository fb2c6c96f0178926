package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
	"offline0/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect pending records (the server must be stopped)",
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pending records, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(st *store.Store) error {
			recs, err := st.Queue().All()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tRETRIES\tCREATED\tLAST ERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Kind, r.Status, r.RetryCount,
					time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339), r.LastError)
			}
			return tw.Flush()
		})
	},
}

var exportOut string

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all pending records to a JSON file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(st *store.Store) error {
			n, err := offline0.ExportQueue(st.Queue(), exportOut)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d records to %s\n", n, exportOut)
			return nil
		})
	},
}

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List cache generations (the server must be stopped)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(st *store.Store) error {
			active, _ := st.Active()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tSTATE\tENTRIES\tACTIVE")
			for _, g := range st.Generations() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%v\n", g.Tag, g.State, st.EntryCount(g.Tag), g.Tag == active)
			}
			return tw.Flush()
		})
	},
}

func init() {
	queueExportCmd.Flags().StringVarP(&exportOut, "out", "o", "offline0-queue.json", "output file")
	queueCmd.AddCommand(queueLsCmd, queueExportCmd)
}

func withStore(fn func(*store.Store) error) error {
	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Storage.Path, store.Options{})
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
