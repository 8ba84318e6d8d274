package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/logging"
)

// app is shared by every subcommand once the root pre-run has loaded it.
type app struct {
	configFile string
	v          *viper.Viper
	level      slog.Level
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "meshmeet",
		Short: "Small peer-to-peer video meetings",
		Long: `meshmeet runs the signaling server for small mesh video meetings and
a headless participant that can create, inspect and join rooms.

Environment variables prefixed with MESHMEET_ override the config file,
e.g. MESHMEET_ROOM_CAPACITY=4. LOG_LEVEL sets verbosity.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			v, err := config.New(a.configFile)
			if err != nil {
				return err
			}
			a.v = v
			a.level = logging.Init()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default $XDG_CONFIG_HOME/meshmeet/meshmeet.toml)")
	root.PersistentFlags().String("server-url", "", "meeting server base URL")

	root.AddCommand(
		newServeCmd(a),
		newNewRoomCmd(a),
		newRoomInfoCmd(a),
		newJoinCmd(a),
	)
	return root
}

// bind maps flags onto viper keys so that flags win over file and env.
func (a *app) bind(cmd *cobra.Command, keys ...string) error {
	for _, key := range keys {
		if err := a.v.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			return err
		}
	}
	return nil
}
