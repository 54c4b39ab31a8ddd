package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/BuzzLyutic/task-sync/internal/client/storage"
	"github.com/BuzzLyutic/task-sync/internal/model"
)

func registerCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account on the server",
		Args:  cobra.NoArgs,
		RunE: withApp(v, false, func(cmd *cobra.Command, a *app, _ []string) error {
			creds, err := readCredentials(cmd, v)
			if err != nil {
				return err
			}
			if err := a.api.Register(cmd.Context(), creds); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "User registered successfully")
			return nil
		}),
	}
}

func loginCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the token",
		Args:  cobra.NoArgs,
		RunE: withApp(v, false, func(cmd *cobra.Command, a *app, _ []string) error {
			creds, err := readCredentials(cmd, v)
			if err != nil {
				return err
			}
			token, err := a.api.Login(cmd.Context(), creds)
			if err != nil {
				return err
			}
			err = a.db.SaveAuth(cmd.Context(), storage.AuthData{
				Username:  creds.Username,
				Token:     token,
				ServerURL: v.GetString(keyServer),
				SavedAt:   time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", creds.Username)

			// first snapshot; failure just means the list stays empty until the next sync
			if err := a.tasks.Refresh(cmd.Context()); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "initial sync failed:", err)
			}
			return nil
		}),
	}
}

func logoutCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: withApp(v, false, func(cmd *cobra.Command, a *app, _ []string) error {
			if err := a.db.DeleteAuth(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		}),
	}
}

func readCredentials(cmd *cobra.Command, v *viper.Viper) (model.Credentials, error) {
	in := bufio.NewReader(cmd.InOrStdin())
	username := v.GetString(keyUsername)
	if username == "" {
		fmt.Fprint(cmd.OutOrStdout(), "Username: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return model.Credentials{}, err
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return model.Credentials{}, errors.New("username is required")
	}

	password, err := readPassword(cmd, in)
	if err != nil {
		return model.Credentials{}, err
	}
	return model.Credentials{Username: username, Password: password}, nil
}

// readPassword reads without echo from a terminal and falls back to a plain
// line read for piped input.
func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
