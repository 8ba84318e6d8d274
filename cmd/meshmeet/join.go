package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/spf13/cobra"

	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/logging"
	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/meeting"
	sigclient "github.com/meshmeet/meshmeet/internal/signal"
	"github.com/meshmeet/meshmeet/internal/webrtc"
)

const frameDuration = 20 * time.Millisecond

type joinFlags struct {
	host    bool
	noAudio bool
	noVideo bool
}

func newJoinCmd(a *app) *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join <code-or-link>",
		Short: "Join a meeting as a headless participant",
		Long: `Join a meeting and stay in it until interrupted. Lines typed on stdin
are sent as chat. Commands:

  /mute, /unmute        toggle the microphone
  /camera on|off        toggle the camera
  /links                show peer link states
  /end                  end the meeting (host only)
  /leave                leave the meeting`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bind(cmd, "server-url", "display-name"); err != nil {
				return err
			}
			cfg, err := config.LoadClient(a.v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return join(ctx, a.level, cfg, args[0], f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("display-name", "", "name shown to other participants")
	cmd.Flags().BoolVar(&f.host, "host", false, "create the room if it does not exist")
	cmd.Flags().BoolVar(&f.noAudio, "no-audio", false, "join without a microphone track")
	cmd.Flags().BoolVar(&f.noVideo, "no-video", false, "join without a camera track")
	return cmd
}

func join(ctx context.Context, level slog.Level, cfg *config.Client, room string, f joinFlags, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := slog.Default()

	api, err := webrtc.NewAPI(webrtc.APIOptions{LoggerFactory: logging.PionFactory(level)})
	if err != nil {
		return err
	}

	stream, err := localStream(f)
	if err != nil {
		return err
	}

	name := cfg.DisplayName
	if name == "" {
		name = "Guest"
	}

	obs := &consoleObserver{out: out, log: logger, cancel: cancel}
	ctrl := meeting.New(meeting.Options{
		Stream: stream,
		NewLink: func(remoteID string, tracks []pion.TrackLocal, sig domain.SignalSender, events domain.LinkEvents) (domain.PeerLink, error) {
			link, err := webrtc.NewLink(remoteID, webrtc.LinkConfig{
				API:        api,
				ICEServers: cfg.ICEServers,
				Tracks:     tracks,
				Signal:     sig,
				Events:     events,
				Logger:     logger.With("component", "webrtc"),
			})
			if err != nil {
				return nil, err
			}
			return link, nil
		},
		Observer:           obs,
		MaxOutgoingOffers:  cfg.MaxOutgoingOffers,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             logger,
	})

	sc, err := sigclient.NewClient(cfg.ServerURL, ctrl, logger)
	if err != nil {
		return err
	}
	ctrl.SetSignaler(sc)

	if err := sc.Connect(ctx); err != nil {
		return err
	}
	defer sc.Close()

	if err := ctrl.JoinMeeting(room, name, cfg.UserID, f.host); err != nil {
		return err
	}

	go pumpAudio(ctx, stream)
	go readCommands(ctx, ctrl, in, out, cancel)

	<-ctx.Done()
	if err := ctrl.LeaveMeeting(); err != nil && !errors.Is(err, meeting.ErrNotInMeeting) {
		return err
	}
	return obs.err()
}

// localStream builds the tracks the flags ask for. A stream with no tracks
// still joins and receives.
func localStream(f joinFlags) (*media.LocalStream, error) {
	id := media.NewStreamID()
	var tracks []*media.Track
	if !f.noAudio {
		t, err := media.NewAudioTrack(id)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if !f.noVideo {
		t, err := media.NewVideoTrack(id, media.SourceCamera)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return media.NewLocalStream(id, tracks...)
}

// pumpAudio keeps the microphone track flowing. There is no capture device,
// so the track carries silence.
func pumpAudio(ctx context.Context, stream *media.LocalStream) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, ok := stream.Track(domain.MediaAudio)
			if !ok {
				return
			}
			if err := t.WriteSample(pionmedia.Sample{Data: media.OpusSilence, Duration: frameDuration}); errors.Is(err, media.ErrTrackStopped) {
				return
			}
		}
	}
}

func readCommands(ctx context.Context, ctrl *meeting.Controller, in io.Reader, out io.Writer, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch fields := strings.Fields(line); fields[0] {
		case "/mute":
			err = ctrl.SetLocalMediaEnabled(domain.MediaAudio, false)
		case "/unmute":
			err = ctrl.SetLocalMediaEnabled(domain.MediaAudio, true)
		case "/camera":
			err = ctrl.SetLocalMediaEnabled(domain.MediaVideo, len(fields) > 1 && fields[1] == "on")
		case "/links":
			for id, st := range ctrl.Links() {
				fmt.Fprintf(out, "  %s  %s\n", id, st)
			}
		case "/end":
			err = ctrl.EndMeeting()
		case "/leave":
			cancel()
			return
		default:
			err = ctrl.SendChat(line)
		}
		if err != nil {
			fmt.Fprintln(out, "!", err)
		}
	}
}

// consoleObserver prints meeting events and drains remote media.
type consoleObserver struct {
	out    io.Writer
	log    *slog.Logger
	cancel context.CancelFunc

	fatal error
}

func (o *consoleObserver) err() error { return o.fatal }

func (o *consoleObserver) OnJoined(j domain.RoomJoined) {
	role := "guest"
	if j.IsHost {
		role = "host"
	}
	fmt.Fprintf(o.out, "* joined %s as %s (%d/%d)\n", j.RoomID, role, len(j.Participants), j.Capacity)
}

func (o *consoleObserver) OnJoinFailed(err error) {
	o.fatal = err
	o.cancel()
}

func (o *consoleObserver) OnParticipantJoined(u domain.ParticipantInfo) {
	fmt.Fprintf(o.out, "* %s is here\n", u.Username)
}

func (o *consoleObserver) OnRemoteTrack(remoteID string, track *pion.TrackRemote) {
	o.log.Info("receiving", "remote", remoteID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (o *consoleObserver) OnPeerRemoved(remoteID string) {
	fmt.Fprintf(o.out, "* %s left\n", remoteID)
}

func (o *consoleObserver) OnMediaState(s domain.UserMediaState) {
	o.log.Debug("media state", "remote", s.SocketID, "camera", s.MediaState.Camera,
		"mic", s.MediaState.Microphone, "screen", s.MediaState.ScreenShare)
}

func (o *consoleObserver) OnHostChanged(h domain.HostChanged) {
	fmt.Fprintf(o.out, "* %s is now the host\n", h.NewHostName)
}

func (o *consoleObserver) OnChat(_, username, text string) {
	fmt.Fprintf(o.out, "<%s> %s\n", username, text)
}

func (o *consoleObserver) OnMeetingEnded() {
	fmt.Fprintln(o.out, "* the meeting has ended")
	o.cancel()
}

func (o *consoleObserver) OnError(remoteID string, err error) {
	if errors.Is(err, meeting.ErrSignalingLost) {
		o.fatal = err
		o.cancel()
		return
	}
	if remoteID == "" {
		o.log.Warn("meeting error", "err", err)
		return
	}
	o.log.Warn("peer error", "remote", remoteID, "err", err)
}
