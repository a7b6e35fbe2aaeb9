package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"openclip-auth/app"
	"openclip-auth/internal/config"
	"openclip-auth/internal/credential"
	"openclip-auth/internal/db"
	"openclip-auth/internal/secret"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Operate the auth service: hashes, secrets, migrations and maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newHashPasswordCmd(),
		newEncryptSecretCmd(),
		newDecryptSecretCmd(),
		newMigrateCmd(),
		newBootstrapAdminCmd(),
		newCleanupCmd(),
		newProviderKeyCmd(),
	)
	return root
}

func newHashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, _ := cmd.Flags().GetInt("cost")
			password, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}

			vault, err := credential.NewVault(cost)
			if err != nil {
				return err
			}
			hash, err := vault.Hash(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().Int("cost", credential.DefaultCost, "bcrypt cost")
	return cmd
}

func newEncryptSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret [plaintext]",
		Short: "Encrypt a value with the key derived from MASTER_SECRET",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			cipher, err := cipherFromEnv()
			if err != nil {
				return err
			}
			ciphertext, err := cipher.Encrypt(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ciphertext)
			return nil
		},
	}
}

func newDecryptSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt-secret [ciphertext]",
		Short: "Decrypt a value produced by encrypt-secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ciphertext, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			cipher, err := cipherFromEnv()
			if err != nil {
				return err
			}
			plaintext, err := cipher.Decrypt(ciphertext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plaintext)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
			if databaseURL == "" {
				return errors.New("missing required env: DATABASE_URL")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			database, err := db.Open(ctx, databaseURL, config.DB{MaxOpenConns: 1, MaxIdleConns: 1})
			if err != nil {
				return err
			}
			defer database.Close()

			applied, err := db.RunMigrations(ctx, database)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}
}

func newBootstrapAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create or promote an admin account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if strings.TrimSpace(email) == "" || password == "" {
				return errors.New("--email and --password are required")
			}

			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Auth.BootstrapAdmin(ctx, email, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "admin %s is ready\n", strings.ToLower(strings.TrimSpace(email)))
				return nil
			})
		},
	}
	cmd.Flags().String("email", "", "admin email")
	cmd.Flags().String("password", "", "admin password")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired refresh tokens, revocations, lockouts and rate-limit windows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				result, err := rt.Cleaner.Run(ctx)
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				_ = encoder.Encode(result)
				return err
			})
		},
	}
}

func newProviderKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider-key",
		Short: "Manage encrypted provider API keys",
	}

	set := &cobra.Command{
		Use:   "set <provider> [api-key]",
		Short: "Store a provider API key (reads stdin when the key is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey, err := argOrStdin(cmd, args[1:])
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				summary, err := rt.Keys.Save(ctx, args[0], apiKey, "authctl")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", summary.Provider, summary.KeyPrefix)
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <provider>",
		Short: "Print the decrypted API key of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				plaintext, err := rt.Keys.Reveal(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), plaintext)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored provider keys by prefix",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				summaries, err := rt.Keys.List(ctx)
				if err != nil {
					return err
				}
				for _, s := range summaries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.Provider, s.KeyPrefix, s.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(set, show, list)
	return cmd
}

func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	rt, err := app.Build(app.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, rt)
}

func cipherFromEnv() (*secret.Cipher, error) {
	master := os.Getenv("MASTER_SECRET")
	if master == "" {
		return nil, errors.New("missing required env: MASTER_SECRET")
	}
	return secret.New(master)
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no input given")
	}
	return line, nil
}
