// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show glucose statistics over a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		days, _ := cmd.Flags().GetInt("days")
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -days)

		s, err := a.stats.Range(ctx, from, to)
		if err != nil {
			return err
		}
		if s.Count == 0 {
			fmt.Println("No readings in the selected range.")
			return nil
		}

		fmt.Printf("Readings:        %d (last %d days)\n", s.Count, days)
		fmt.Printf("Mean:            %.1f mg/dL\n", s.Mean)
		fmt.Printf("Median:          %.1f mg/dL\n", s.Median)
		fmt.Printf("Std deviation:   %.1f mg/dL\n", s.StdDev)
		fmt.Printf("CV:              %.1f%%\n", s.CV)
		fmt.Printf("In range:        %.0f%%  (70-180 mg/dL)\n", s.TimeIn)
		fmt.Printf("Above range:     %.0f%%\n", s.TimeAbove)
		fmt.Printf("Below range:     %.0f%%\n", s.TimeBelow)
		fmt.Printf("Estimated A1C:   %.1f%%\n", s.EstA1C)
		fmt.Printf("GMI:             %.1f%%\n", s.GMI)
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("days", 90, "how many days back to include")
	rootCmd.AddCommand(statsCmd)
}
