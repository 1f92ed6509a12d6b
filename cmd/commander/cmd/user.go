package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/azisaba/commander/auth"
	"github.com/azisaba/commander/internal/config"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
	Long: `Operator commands for creating users, moving them between groups and
enrolling a TOTP second factor. They talk to the configured storage directly.`,
}

var (
	userPassword string
	userGroup    string
	totpIssuer   string
	totpDisable  bool
)

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Long: `Creates a user. The password is read from --password or, if that is
empty, from the first line of standard input. Without --group the user is
placed in the under-review group and cannot log in yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := userPassword
		if password == "" {
			p, err := readLine(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			password = p
		}
		return withEnvironment(cmd, func(ctx context.Context, env *environment) error {
			u, err := env.svc.CreateUser(ctx, auth.CreateUserRequest{
				Username: args[0],
				Password: password,
				Group:    userGroup,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d, group %s)\n", u.Username, u.ID, u.Group)
			return nil
		})
	},
}

var userGroupCmd = &cobra.Command{
	Use:   "group <username> <group>",
	Short: "Move a user to another group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, func(ctx context.Context, env *environment) error {
			u, err := env.svc.FindUser(ctx, args[0])
			if err != nil {
				return err
			}
			if err := env.svc.SetGroup(ctx, u.ID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s is now in group %s\n", u.Username, args[1])
			return nil
		})
	},
}

var userTOTPCmd = &cobra.Command{
	Use:   "totp <username>",
	Short: "Enroll (or with --disable remove) a TOTP second factor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, func(ctx context.Context, env *environment) error {
			u, err := env.svc.FindUser(ctx, args[0])
			if err != nil {
				return err
			}
			if totpDisable {
				if err := env.svc.DisableTOTP(ctx, u.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "second factor removed for %s\n", u.Username)
				return nil
			}
			key, err := env.svc.EnrollTOTP(ctx, u.ID, totpIssuer)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "secret: %s\n", key.Secret)
			fmt.Fprintf(out, "url:    %s\n", key.URL)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, func(ctx context.Context, env *environment) error {
			users, err := env.svc.ListUsers(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSERNAME\tGROUP\t2FA\tPERMISSIONS")
			for _, u := range users {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n",
					u.ID, u.Username, u.Group, u.HasTwoFactor(), strings.Join(u.Permissions, ","))
			}
			return tw.Flush()
		})
	},
}

func withEnvironment(cmd *cobra.Command, fn func(ctx context.Context, env *environment) error) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	env, err := newEnvironment(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(cmd.Context(), env)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userGroupCmd, userTOTPCmd, userListCmd)

	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (read from stdin when empty)")
	userAddCmd.Flags().StringVar(&userGroup, "group", "", "Initial group (defaults to the under-review group)")
	userTOTPCmd.Flags().StringVar(&totpIssuer, "issuer", "Commander", "Issuer shown in authenticator apps")
	userTOTPCmd.Flags().BoolVar(&totpDisable, "disable", false, "Remove the second factor instead of enrolling one")
}
