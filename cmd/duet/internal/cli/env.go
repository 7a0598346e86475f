// Package cli holds the duet subcommands.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/duet/internal/adapters/api"
	"github.com/dkeye/duet/internal/config"
)

type env struct {
	cfg *config.Config
	api *api.Client
}

var verbose bool

// Register adds every subcommand to root.
func Register(root *cobra.Command) {
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	root.AddCommand(
		newLoginCommand(),
		newSignupCommand(),
		newLogoutCommand(),
		newWhoamiCommand(),
		newContactsCommand(),
		newChatCommand(),
	)
}

func setup() (*env, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verbose {
		zerolog.SetGlobalLevel(cfg.Level())
	}
	return &env{cfg: cfg, api: api.NewClient(cfg.APIURL, nil)}, nil
}
