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

var ticksRange rangeFlags

var ticksCmd = &cobra.Command{
	Use:   "ticks SYMBOL",
	Short: "Fetch raw ticks, filling missing ranges from remote sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		start, end, err := ticksRange.parse()
		if err != nil {
			return err
		}

		req := model.DataRequest{
			Symbol:   args[0],
			Start:    start,
			End:      end,
			DataType: model.DataTypeTicks,
		}
		res, err := a.mgr.Fetch(context.Background(), req)

		var partial *model.PartialResultError
		if err != nil && !errors.As(err, &partial) {
			return err
		}
		if werr := writeTicksCSV(os.Stdout, res.Ticks); werr != nil {
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
	ticksRange.register(ticksCmd)
	rootCmd.AddCommand(ticksCmd)
}

func writeTicksCSV(w io.Writer, ticks []model.Tick) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"time", "bid", "ask", "bid_volume", "ask_volume"})
	for _, t := range ticks {
		cw.Write([]string{
			strconv.FormatInt(t.Time.UnixMilli(), 10),
			formatFloat(t.Bid),
			formatFloat(t.Ask),
			formatFloat(t.BidVolume),
			formatFloat(t.AskVolume),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
