// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/diasync/internal/model"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show and change account and preferences",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the account and local preferences",
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

		p, err := a.profile.Me(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Name:        %s %s\n", p.Account.Name, p.Account.Surname)
		fmt.Printf("DNI:         %s\n", p.Account.DNI)
		fmt.Printf("Email:       %s\n", p.Account.Email)
		fmt.Printf("State:       %s\n", p.Account.State)
		fmt.Printf("Measured:    %d times (streak %d, best %d)\n",
			p.Account.TimesMeasured, p.Account.Streak, p.Account.MaxStreak)
		if p.TidepoolLinked {
			fmt.Printf("Tidepool:    linked (%s)\n", p.TidepoolAccount)
		}
		fmt.Printf("Unit:        %s\n", p.Preferences.Unit)
		fmt.Printf("Theme:       %s\n", p.Preferences.Theme)
		fmt.Printf("Language:    %s\n", p.Preferences.Language)
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change local preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		unit, _ := cmd.Flags().GetString("unit")
		theme, _ := cmd.Flags().GetString("theme")
		language, _ := cmd.Flags().GetString("language")
		if unit == "" && theme == "" && language == "" && !cmd.Flags().Changed("notifications") {
			return fmt.Errorf("nothing to change; see --help for available preferences")
		}
		if unit != "" && unit != string(model.UnitMgdL) && unit != string(model.UnitMmolL) {
			return fmt.Errorf("unknown unit %q, want mg/dL or mmol/L", unit)
		}

		prefs, err := a.profile.UpdatePreferences(ctx, func(p *model.Preferences) {
			if unit != "" {
				p.Unit = model.Unit(unit)
			}
			if theme != "" {
				p.Theme = theme
			}
			if language != "" {
				p.Language = language
			}
			if cmd.Flags().Changed("notifications") {
				p.Notifications, _ = cmd.Flags().GetBool("notifications")
			}
		})
		if err != nil {
			return err
		}
		fmt.Printf("Preferences saved: unit=%s theme=%s language=%s notifications=%t\n",
			prefs.Unit, prefs.Theme, prefs.Language, prefs.Notifications)
		return nil
	},
}

func init() {
	profileSetCmd.Flags().String("unit", "", "preferred glucose unit (mg/dL or mmol/L)")
	profileSetCmd.Flags().String("theme", "", "UI theme (system, light, dark)")
	profileSetCmd.Flags().String("language", "", "interface language code")
	profileSetCmd.Flags().Bool("notifications", true, "enable reminder notifications")
	profileCmd.AddCommand(profileShowCmd, profileSetCmd)
	rootCmd.AddCommand(profileCmd)
}
