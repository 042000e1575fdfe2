package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/solveshq/solves/v1/app"
	"github.com/solveshq/solves/v1/crypto"
	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/users"
)

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.OpenDatabase(g.cfg.Database, g.log)
			if err != nil {
				return err
			}
			g.log.Info("database migrated", "driver", g.cfg.Database.Driver)
			return database.Close(db)
		},
	}
}

func newCryptoCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crypto",
		Short: "Encrypt or decrypt values with crypto.secret",
	}
	run := func(op func(*crypto.Crypto, string) (string, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := crypto.New(g.cfg.Crypto.Secret)
			if err != nil {
				return fmt.Errorf("crypto.secret: %w", err)
			}
			in, err := argOrStdin(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			out, err := op(c, in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "encrypt [text]",
			Short: "Encrypt text, read from stdin when omitted",
			Args:  cobra.MaximumNArgs(1),
			RunE:  run((*crypto.Crypto).Encode),
		},
		&cobra.Command{
			Use:   "decrypt [token]",
			Short: "Decrypt a token, read from stdin when omitted",
			Args:  cobra.MaximumNArgs(1),
			RunE:  run((*crypto.Crypto).Decode),
		},
	)
	return cmd
}

func argOrStdin(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no input")
	}
	return line, nil
}

func newUserCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	var email, name, password string
	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account, or promote an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.OpenDatabase(g.cfg.Database, g.log)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close(db) }()
			u, created, err := ensureAdmin(cmd, users.NewService(db), email, name, password)
			if err != nil {
				return err
			}
			verb := "promoted"
			if created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s admin %s (%s)\n", verb, u.Email, u.ID)
			return nil
		},
	}
	createAdmin.Flags().StringVar(&email, "email", "", "account email")
	createAdmin.Flags().StringVar(&name, "name", "Admin", "display name of a new account")
	createAdmin.Flags().StringVar(&password, "password", "", "password of a new account")
	_ = createAdmin.MarkFlagRequired("email")
	cmd.AddCommand(createAdmin)
	return cmd
}

func ensureAdmin(cmd *cobra.Command, us *users.Service, email, name, password string) (*users.User, bool, error) {
	ctx := cmd.Context()
	existing, err := us.GetByEmail(ctx, email)
	switch {
	case err == nil:
		u, err := us.SetRole(ctx, existing.ID, users.RoleAdmin)
		return u, false, err
	case !errors.Is(err, solveserrors.ErrNotFound):
		return nil, false, err
	}
	if password == "" {
		return nil, false, solveserrors.Invalid("password", "is required for a new account")
	}
	u, err := us.Create(ctx, users.CreateInput{Email: email, Name: name, Password: password, Role: users.RoleAdmin})
	return u, true, err
}
