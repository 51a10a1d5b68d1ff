// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/diasync/internal/errs"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the backend",
	Long: `Exchange credentials for a session. With --remember the session
survives across invocations; tokens are stored in the local database and
are never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		reader := bufio.NewReader(os.Stdin)
		if user == "" {
			fmt.Print("DNI: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read identifier: %w", err)
			}
			user = strings.TrimSpace(line)
		}
		if password == "" {
			fmt.Print("Password: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		remember, _ := cmd.Flags().GetBool("remember")
		if err := a.auth.Login(ctx, user, password, remember); err != nil {
			return loginMessage(err)
		}

		s := a.auth.Session()
		fmt.Printf("Logged in as %s %s (%s)\n",
			s.Account.Name, s.Account.Surname, s.Account.DNI)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and wipe local data",
	Long: `Log out and remove everything stored locally: readings, the sync
queue, cached appointments and the persisted tokens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.auth.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out; local data wiped.")
		return nil
	},
}

// loginMessage maps sentinel errors to messages a person can act on.
func loginMessage(err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidCredentials):
		return fmt.Errorf("invalid credentials")
	case errors.Is(err, errs.ErrAccountPending):
		return fmt.Errorf("your account is awaiting hospital approval")
	case errors.Is(err, errs.ErrAccountDisabled):
		return fmt.Errorf("your account has been disabled; contact your clinic")
	case errors.Is(err, errs.ErrAccountBlocked):
		return fmt.Errorf("your account is blocked; contact your clinic")
	case errors.Is(err, errs.ErrTokenService):
		return fmt.Errorf("the login service is temporarily unavailable, try again later")
	case errors.Is(err, errs.ErrNetwork):
		return fmt.Errorf("no connection to the backend")
	default:
		return err
	}
}

func init() {
	loginCmd.Flags().String("user", "", "DNI or account identifier")
	loginCmd.Flags().String("password", "", "password (prompted when omitted)")
	loginCmd.Flags().Bool("remember", true, "persist the session across invocations")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
