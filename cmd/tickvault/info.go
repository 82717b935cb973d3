package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize every stored series",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.mgr.Info(context.Background())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("store is empty")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SYMBOL\tTIMEFRAME\tRECORDS\tRANGES\tFROM\tTO\tUPDATED")
		for _, si := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				si.Symbol, si.Timeframe, si.Records, si.Ranges,
				si.Start.Format(time.RFC3339),
				si.End.Format(time.RFC3339),
				si.Updated.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
