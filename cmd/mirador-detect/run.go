package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

func newRunCmd() *cobra.Command {
	var (
		alertName string
		start     string
		end       string
		lookback  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one alert once and print the summary as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			interval, err := parseWindow(start, end, lookback, time.Now())
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.importAlerts(ctx); err != nil {
				return fmt.Errorf("import alerts: %w", err)
			}
			alert, err := a.service.Resolve(ctx, models.RunRequest{AlertName: alertName})
			if err != nil {
				return err
			}
			summary, err := a.service.Run(ctx, alert.ID, interval)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&alertName, "alert", "", "Name of the alert to run")
	cmd.Flags().StringVar(&start, "start", "", "Window start (RFC3339); defaults to end minus --lookback")
	cmd.Flags().StringVar(&end, "end", "", "Window end (RFC3339); defaults to now")
	cmd.Flags().DurationVar(&lookback, "lookback", time.Hour, "Window length when --start is omitted")
	_ = cmd.MarkFlagRequired("alert")
	return cmd
}

// parseWindow resolves the run window from flags.
func parseWindow(start, end string, lookback time.Duration, now time.Time) (models.Interval, error) {
	endTime := now.UTC().Truncate(time.Millisecond)
	if end != "" {
		t, err := utils.ParseRFC3339(end)
		if err != nil {
			return models.Interval{}, fmt.Errorf("--end: %w", err)
		}
		endTime = t.UTC()
	}
	startTime := endTime.Add(-lookback)
	if start != "" {
		t, err := utils.ParseRFC3339(start)
		if err != nil {
			return models.Interval{}, fmt.Errorf("--start: %w", err)
		}
		startTime = t.UTC()
	}
	interval := models.Interval{Start: startTime, End: endTime}
	if !interval.Valid() {
		return models.Interval{}, utils.InvalidArgument("run", "window %s is empty", interval)
	}
	return interval, nil
}
