package main

import (
	"fmt"

	"tickvault/internal/model"

	"github.com/spf13/cobra"
)

var (
	validateRange     rangeFlags
	validateTimeframe string
	validateDataType  string
)

var validateCmd = &cobra.Command{
	Use:   "validate SYMBOL",
	Short: "Check that a request is well formed and a source can serve it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		start, end, err := validateRange.parse()
		if err != nil {
			return err
		}
		dt, err := model.ParseDataType(validateDataType)
		if err != nil {
			return err
		}
		req := model.DataRequest{
			Symbol:   args[0],
			Start:    start,
			End:      end,
			DataType: dt,
		}
		if dt == model.DataTypeBars {
			if req.Timeframe, err = model.ParseTimeframe(validateTimeframe); err != nil {
				return err
			}
		}

		if err := a.mgr.ValidateRequest(req); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	validateRange.register(validateCmd)
	validateCmd.Flags().StringVarP(&validateTimeframe, "timeframe", "t", "1h", "bar timeframe")
	validateCmd.Flags().StringVar(&validateDataType, "type", "bars", "data type: bars or ticks")
	rootCmd.AddCommand(validateCmd)
}
