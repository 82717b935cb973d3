package main

import (
	"context"
	"fmt"

	"tickvault/internal/model"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete SYMBOL TIMEFRAME",
	Short: "Drop one stored series and its coverage ('tick' for tick data)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tf, err := model.ParseTimeframe(args[1])
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.mgr.Delete(context.Background(), args[0], tf); err != nil {
			return err
		}
		fmt.Printf("deleted %s %s\n", args[0], tf)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
