package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"tickvault/internal/model"

	"github.com/spf13/cobra"
)

var (
	fetchRange     rangeFlags
	fetchTimeframe string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch SYMBOL",
	Short: "Fetch OHLCV bars, filling missing ranges from remote sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		start, end, err := fetchRange.parse()
		if err != nil {
			return err
		}
		tf, err := model.ParseTimeframe(fetchTimeframe)
		if err != nil {
			return err
		}

		req := model.DataRequest{
			Symbol:    args[0],
			Start:     start,
			End:       end,
			Timeframe: tf,
			DataType:  model.DataTypeBars,
		}
		res, err := a.mgr.Fetch(context.Background(), req)

		var partial *model.PartialResultError
		if err != nil && !errors.As(err, &partial) {
			return err
		}
		if werr := writeBarsCSV(os.Stdout, res.Bars); werr != nil {
			return werr
		}
		if partial != nil {
			a.log.Warn("result incomplete",
				slog.Int("unresolved", len(partial.Unresolved)))
			return partial
		}
		return nil
	},
}

func init() {
	fetchRange.register(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchTimeframe, "timeframe", "t", "1h", "bar timeframe, e.g. 1m, 4h, 1d")
	rootCmd.AddCommand(fetchCmd)
}

func writeBarsCSV(w io.Writer, bars []model.Bar) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"open_time", "open", "high", "low", "close", "volume"})
	for _, b := range bars {
		cw.Write([]string{
			strconv.FormatInt(b.OpenTime.UnixMilli(), 10),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
