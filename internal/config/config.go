// Package config loads server and client settings from defaults, an optional
// meshmeet.toml, a .env file, the environment and command-line flags.
package config

import (
	"bytes"
	_ "embed" // default settings
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/meshmeet/meshmeet/internal/domain"
)

//go:embed meshmeet.toml
var defaultConfigFile []byte

// EnvPrefix prefixes every environment override, e.g. MESHMEET_ROOM_CAPACITY.
const EnvPrefix = "MESHMEET"

// Server holds the signaling server configuration.
type Server struct {
	Host           string
	Port           int
	RoomCapacity   int
	EndedRoomTTL   time.Duration
	AllowedOrigins []string
	PublicURL      string
	ICEServers     []domain.ICEServer
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Client holds the meeting client configuration.
type Client struct {
	ServerURL          string
	DisplayName        string
	UserID             string
	ICEServers         []domain.ICEServer
	MaxOutgoingOffers  int
	NegotiationTimeout time.Duration
}

// New builds a viper instance layered as: embedded defaults, then the config
// file (explicit path, or meshmeet.toml in the XDG config dir or ./config),
// then MESHMEET_* environment variables. Values from a .env file never
// override the real environment. Flags are bound by the caller.
func New(file string) (*viper.Viper, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(defaultConfigFile)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("meshmeet")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "meshmeet"))
		v.AddConfigPath("./config")
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// LoadServer validates and returns the server settings held by v.
func LoadServer(v *viper.Viper) (*Server, error) {
	s := &Server{
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		RoomCapacity:   v.GetInt("room-capacity"),
		EndedRoomTTL:   v.GetDuration("ended-room-ttl"),
		AllowedOrigins: list(v, "allowed-origins"),
		PublicURL:      strings.TrimRight(v.GetString("public-url"), "/"),
		ICEServers:     iceServers(v),
	}

	if s.Port <= 0 || s.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", s.Port)
	}
	if s.RoomCapacity < 2 {
		return nil, fmt.Errorf("room-capacity must be at least 2, got %d", s.RoomCapacity)
	}
	if s.EndedRoomTTL <= 0 {
		return nil, fmt.Errorf("ended-room-ttl must be positive, got %s", s.EndedRoomTTL)
	}
	if err := checkURL(s.PublicURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("public-url: %w", err)
	}
	return s, nil
}

// LoadClient validates and returns the client settings held by v. A missing
// user id is replaced with a fresh random one.
func LoadClient(v *viper.Viper) (*Client, error) {
	c := &Client{
		ServerURL:          strings.TrimRight(v.GetString("server-url"), "/"),
		DisplayName:        strings.TrimSpace(v.GetString("display-name")),
		UserID:             strings.TrimSpace(v.GetString("user-id")),
		ICEServers:         iceServers(v),
		MaxOutgoingOffers:  v.GetInt("max-outgoing-offers"),
		NegotiationTimeout: v.GetDuration("negotiation-timeout"),
	}

	if err := checkURL(c.ServerURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("server-url: %w", err)
	}
	if c.MaxOutgoingOffers < 1 {
		return nil, fmt.Errorf("max-outgoing-offers must be at least 1, got %d", c.MaxOutgoingOffers)
	}
	if c.NegotiationTimeout <= 0 {
		return nil, fmt.Errorf("negotiation-timeout must be positive, got %s", c.NegotiationTimeout)
	}
	if c.UserID == "" {
		c.UserID = "user-" + uuid.NewString()
	}
	return c, nil
}

// iceServers groups STUN URLs into one entry and TURN URLs, with the
// configured credentials, into another.
func iceServers(v *viper.Viper) []domain.ICEServer {
	var stun, turn []string
	for _, u := range list(v, "ice-servers") {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			turn = append(turn, u)
		} else {
			stun = append(stun, u)
		}
	}

	var out []domain.ICEServer
	if len(stun) > 0 {
		out = append(out, domain.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		out = append(out, domain.ICEServer{
			URLs:       turn,
			Username:   v.GetString("turn-username"),
			Credential: v.GetString("turn-credential"),
		})
	}
	return out
}

// list reads a string list that may come from TOML or from a
// comma-separated environment variable.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
}
