// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var appointmentsCmd = &cobra.Command{
	Use:     "appointments",
	Aliases: []string{"appt"},
	Short:   "Consultation appointments",
}

var appointmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List appointments (refreshed from the backend when reachable)",
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

		list, err := a.appointments.Refresh(ctx)
		if err != nil {
			// Unreachable backend: serve the cache instead of failing.
			slog.Default().Warn("appointment refresh failed, showing cached list", "err", err)
			list, err = a.appointments.List(ctx)
			if err != nil {
				return err
			}
		}
		if len(list) == 0 {
			fmt.Println("No appointments.")
			return nil
		}
		for _, appt := range list {
			when := "unscheduled"
			if !appt.ScheduledAt.IsZero() {
				when = appt.ScheduledAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-16s  %-10s  %s", when, appt.Status, appt.Motive)
			if appt.Resolution != "" {
				fmt.Printf("  [%s]", appt.Resolution)
			}
			fmt.Println()
		}
		return nil
	},
}

var appointmentsRequestCmd = &cobra.Command{
	Use:   "request <motive>",
	Short: "Request a new appointment",
	Args:  cobra.ExactArgs(1),
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

		appt, err := a.appointments.Request(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Appointment requested (%s).\n", appt.Status)
		return nil
	},
}

var appointmentsSubmitCmd = &cobra.Command{
	Use:   "submit <placement>",
	Short: "Confirm a proposed appointment slot",
	Args:  cobra.ExactArgs(1),
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

		appt, err := a.appointments.Submit(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Slot %s confirmed (%s).\n", appt.Placement, appt.Status)
		return nil
	},
}

func init() {
	appointmentsCmd.AddCommand(appointmentsListCmd, appointmentsRequestCmd, appointmentsSubmitCmd)
	rootCmd.AddCommand(appointmentsCmd)
}
