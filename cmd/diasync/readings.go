// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/diasync/internal/model"
)

var addCmd = &cobra.Command{
	Use:   "add <value>",
	Short: "Record a glucose reading",
	Long: `Record a reading locally and queue it for the next sync. The value
is interpreted in the unit given by --unit (mg/dL by default).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.requireSession(); err != nil {
			return err
		}

		value, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid glucose value %q", args[0])
		}

		unitFlag, _ := cmd.Flags().GetString("unit")
		unit := model.Unit(unitFlag)
		category, _ := cmd.Flags().GetString("category")
		note, _ := cmd.Flags().GetString("note")
		at := time.Now()
		if when, _ := cmd.Flags().GetString("at"); when != "" {
			at, err = time.Parse(time.RFC3339, when)
			if err != nil {
				return fmt.Errorf("invalid --at value %q, want RFC 3339", when)
			}
		}

		r, err := a.readings.Add(ctx, value, unit, at, category, note)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %g %s (%s) at %s\n",
			r.Value, r.Unit, r.Status, r.CapturedAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded readings",
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

		readings, err := a.readings.List(ctx, from, to)
		if err != nil {
			return err
		}
		if len(readings) == 0 {
			fmt.Println("No readings in the selected range.")
			return nil
		}
		for _, r := range readings {
			mark := " "
			if !r.Synced {
				mark = "*"
			}
			fmt.Printf("%s %s  %7.1f %-6s %-13s %s\n",
				mark, r.CapturedAt.Local().Format("2006-01-02 15:04"),
				r.Value, r.Unit, r.Status, r.Note)
		}
		fmt.Println("\n* not yet synced")
		return nil
	},
}

func init() {
	addCmd.Flags().String("unit", string(model.UnitMgdL), "measurement unit (mg/dL or mmol/L)")
	addCmd.Flags().String("category", "fasting", "measurement context (fasting, post-meal, ...)")
	addCmd.Flags().String("note", "", "free-form note")
	addCmd.Flags().String("at", "", "capture time, RFC 3339 (default now)")
	listCmd.Flags().Int("days", 14, "how many days back to list")
	rootCmd.AddCommand(addCmd, listCmd)
}
