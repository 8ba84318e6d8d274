package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/meshmeet/meshmeet/internal/api"
	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/roomcode"
)

func newNewRoomCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new-room",
		Short: "Mint a room code and share link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.bind(cmd, "server-url"); err != nil {
				return err
			}
			cfg, err := config.LoadClient(a.v)
			if err != nil {
				return err
			}

			m, err := api.NewClient(cfg.ServerURL, nil).CreateMeeting(cmd.Context())
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendRow(table.Row{"Room", m.MeetingID})
			t.AppendRow(table.Row{"Link", m.Link})
			for _, s := range m.ICEServers {
				t.AppendRow(table.Row{"ICE", strings.Join(s.URLs, ", ")})
			}
			t.Render()
			return nil
		},
	}
}

func newRoomInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "room-info <code-or-link>",
		Short: "Show whether a room exists and how full it is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bind(cmd, "server-url"); err != nil {
				return err
			}
			cfg, err := config.LoadClient(a.v)
			if err != nil {
				return err
			}
			code, err := roomcode.Parse(args[0])
			if err != nil {
				return err
			}

			info, err := api.NewClient(cfg.ServerURL, nil).RoomInfo(cmd.Context(), code)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Room", "Exists", "Active", "Participants"})
			t.AppendRow(table.Row{code, info.Exists, info.Active, fmt.Sprintf("%d/%d", info.Participants, info.Capacity)})
			t.Render()
			return nil
		},
	}
}
