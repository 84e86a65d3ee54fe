package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	pkgauth "github.com/qbh/portal/pkg/auth"
	"github.com/spf13/cobra"
)

func newGeneratePasswordCmd() *cobra.Command {
	opts := pkgauth.DefaultPasswordOptions

	cmd := &cobra.Command{
		Use:   "generate-password",
		Short: "Print a random password that satisfies the password policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := pkgauth.GenerateSecurePassword(opts)
			if err != nil {
				return err
			}
			if err := pkgauth.ValidatePassword(password); err != nil {
				return fmt.Errorf("generated password rejected by policy: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), password)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Length, "length", opts.Length, "password length")
	cmd.Flags().BoolVar(&opts.ExcludeAmbiguous, "no-ambiguous", false, "leave out characters such as 0, O, 1 and l")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var useBcrypt bool

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin",
		Long: "Reads one line from stdin, checks it against the password policy and " +
			"prints the stored hash. Useful for seeding accounts by hand.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no password on stdin")
			}
			password := strings.TrimRight(line, "\r\n")

			if err := pkgauth.ValidatePassword(password); err != nil {
				return err
			}

			hash := pkgauth.HashPassword
			if useBcrypt {
				hash = pkgauth.HashPasswordBcrypt
			}
			hashed, err := hash(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&useBcrypt, "bcrypt", false, "hash with bcrypt instead of scrypt")
	return cmd
}
