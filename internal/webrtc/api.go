// Package webrtc builds the peer connections that carry media and chat
// between two meeting participants.
package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"

	"github.com/meshmeet/meshmeet/internal/domain"
)

const defaultPLIInterval = 3 * time.Second

// APIOptions tunes the shared pion API all links are created from.
type APIOptions struct {
	// LoggerFactory receives pion's internal logging. Nil keeps pion's default.
	LoggerFactory logging.LoggerFactory
	// Net overrides the network stack, e.g. a vnet for tests.
	Net transport.Net
	// PLIInterval is how often keyframes are requested from remote video.
	PLIInterval time.Duration
}

// NewAPI registers the default codecs plus NACK, RTCP report and periodic
// PLI interceptors and returns an API ready to create peer connections.
func NewAPI(opts APIOptions) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	interval := opts.PLIInterval
	if interval <= 0 {
		interval = defaultPLIInterval
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(interval))
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	se := pion.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	), nil
}

func iceServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func kindOf(t pion.TrackLocal) (domain.MediaKind, error) {
	switch t.Kind() {
	case pion.RTPCodecTypeAudio:
		return domain.MediaAudio, nil
	case pion.RTPCodecTypeVideo:
		return domain.MediaVideo, nil
	default:
		return "", fmt.Errorf("track %s has unknown kind %s", t.ID(), t.Kind())
	}
}

func codecType(kind domain.MediaKind) pion.RTPCodecType {
	if kind == domain.MediaAudio {
		return pion.RTPCodecTypeAudio
	}
	return pion.RTPCodecTypeVideo
}

func toInit(c domain.ICECandidatePayload) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toPayload(c pion.ICECandidateInit) domain.ICECandidatePayload {
	return domain.ICECandidatePayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
