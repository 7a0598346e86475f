package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dkeye/duet/internal/adapters/api"
	"github.com/dkeye/duet/internal/domain"
)

func prompt(label string) (string, error) {
	rl, err := readline.NewEx(&readline.Config{Prompt: label})
	if err != nil {
		return "", err
	}
	defer rl.Close()
	line, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// verifyPhone runs the OTP round trip and returns the existing profile,
// or nil for a phone with no profile yet.
func verifyPhone(ctx context.Context, c *api.Client, phone string) (*domain.User, error) {
	if err := c.SendOTP(ctx, phone); err != nil {
		return nil, fmt.Errorf("send otp: %w", err)
	}
	code, err := prompt("OTP: ")
	if err != nil {
		return nil, err
	}
	return c.VerifyOTP(ctx, phone, code)
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login <phone>",
		Short: "Log in with a one-time password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			u, err := verifyPhone(cmd.Context(), e.api, args[0])
			if err != nil {
				return err
			}
			if u == nil {
				return fmt.Errorf("no profile for %s, run `duet signup` instead", args[0])
			}
			if err := saveIdentity(e.cfg.IdentityFile, u); err != nil {
				return err
			}
			fmt.Printf("Logged in as %s\n", u.Name)
			return nil
		},
	}
}

func newSignupCommand() *cobra.Command {
	var name, email, password, picture string
	cmd := &cobra.Command{
		Use:   "signup <phone>",
		Short: "Create a profile for a phone number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			phone := args[0]
			existing, err := verifyPhone(cmd.Context(), e.api, phone)
			if err != nil {
				return err
			}
			if existing != nil {
				fmt.Printf("%s is already registered as %s\n", phone, existing.Name)
				return saveIdentity(e.cfg.IdentityFile, existing)
			}

			form := api.SignupForm{PhoneNumber: phone, Name: name, Email: email, Password: password}
			if picture != "" {
				f, err := os.Open(picture)
				if err != nil {
					return err
				}
				defer f.Close()
				form.PicturePath = picture
				form.Picture = f
			}
			u, err := e.api.Signup(cmd.Context(), form)
			if err != nil {
				return err
			}
			if err := saveIdentity(e.cfg.IdentityFile, u); err != nil {
				return err
			}
			fmt.Printf("Welcome, %s\n", u.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&picture, "picture", "", "profile picture file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			return clearIdentity(e.cfg.IdentityFile)
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			u, err := loadIdentity(e.cfg.IdentityFile)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s) %s\n", u.Name, u.ID, u.PhoneNumber)
			return nil
		},
	}
}

func newContactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "contacts",
		Short: "List everyone you can talk to",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			u, err := loadIdentity(e.cfg.IdentityFile)
			if err != nil {
				return err
			}
			users, err := api.Contacts(cmd.Context(), e.api, u.ID)
			if err != nil {
				return err
			}
			for _, c := range users {
				fmt.Printf("%-20s %s\n", c.Name, c.ID)
			}
			return nil
		},
	}
}
