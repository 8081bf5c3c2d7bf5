package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BALLTRACK"

var (
	ErrNoICEServers  = errors.New("config: at least one ICE server is required")
	ErrInvalidVideo  = errors.New("config: invalid video settings")
	ErrInvalidTiming = errors.New("config: timeouts must be positive")
	ErrTLSRequired   = errors.New("config: webtransport requires tls.cert and tls.key")
	ErrNoTransports  = errors.New("config: no signalling transport enabled")
)

type TLS struct {
	Cert string
	Key  string
}

// Enabled reports whether both certificate and key are configured.
func (t TLS) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

type Video struct {
	Width     int
	Height    int
	FrameRate int
	Radius    float64
	Speed     float64
}

type Transports struct {
	WebSocket    bool
	Polling      bool
	WebTransport bool
}

type Log struct {
	Level  string
	Format string
}

// Config is the resolved server configuration.
type Config struct {
	Listen     string
	TLS        TLS
	StaticDir  string
	ICEServers []string
	Video      Video

	NegotiationTimeout time.Duration
	TrackingHistory    int
	PollingTimeout     time.Duration

	Transports Transports
	Log        Log
}

// New returns a viper instance with defaults, environment bindings and the
// config file search path set up. Environment variables use the BALLTRACK_
// prefix with dots replaced by underscores, e.g. BALLTRACK_VIDEO_FRAME_RATE.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen", "0.0.0.0:3000")
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("static.dir", "")
	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("video.width", 640)
	v.SetDefault("video.height", 480)
	v.SetDefault("video.frame_rate", 30)
	v.SetDefault("video.radius", 20)
	v.SetDefault("video.speed", 250)

	v.SetDefault("negotiation.timeout", 15*time.Second)
	v.SetDefault("tracking.history", 120)
	v.SetDefault("polling.timeout", 25*time.Second)

	v.SetDefault("transports.websocket", true)
	v.SetDefault("transports.polling", true)
	v.SetDefault("transports.webtransport", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range []string{".", "$HOME/.balltrack", "/etc/balltrack"} {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	return v
}

// Load reads the config file if one exists, then resolves and validates the
// configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading %s: %w", v.ConfigFileUsed(), err)
		}
	}

	c := &Config{
		Listen: v.GetString("listen"),
		TLS: TLS{
			Cert: v.GetString("tls.cert"),
			Key:  v.GetString("tls.key"),
		},
		StaticDir:  v.GetString("static.dir"),
		ICEServers: v.GetStringSlice("ice.servers"),
		Video: Video{
			Width:     v.GetInt("video.width"),
			Height:    v.GetInt("video.height"),
			FrameRate: v.GetInt("video.frame_rate"),
			Radius:    v.GetFloat64("video.radius"),
			Speed:     v.GetFloat64("video.speed"),
		},
		NegotiationTimeout: v.GetDuration("negotiation.timeout"),
		TrackingHistory:    v.GetInt("tracking.history"),
		PollingTimeout:     v.GetDuration("polling.timeout"),
		Transports: Transports{
			WebSocket:    v.GetBool("transports.websocket"),
			Polling:      v.GetBool("transports.polling"),
			WebTransport: v.GetBool("transports.webtransport"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	// WebTransport only runs over HTTP/3, which needs a certificate.
	if c.Transports.WebTransport && !c.TLS.Enabled() {
		c.Transports.WebTransport = false
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the invariants the server relies on.
func (c *Config) Validate() error {
	servers := c.ICEServers[:0:0]
	for _, s := range c.ICEServers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return ErrNoICEServers
	}
	c.ICEServers = servers

	v := c.Video
	if v.Width <= 0 || v.Height <= 0 || v.Width%2 != 0 || v.Height%2 != 0 {
		return fmt.Errorf("%w: size %dx%d must be positive and even", ErrInvalidVideo, v.Width, v.Height)
	}
	if v.Radius <= 0 || 2*v.Radius > float64(min(v.Width, v.Height)) {
		return fmt.Errorf("%w: radius %.1f does not fit %dx%d", ErrInvalidVideo, v.Radius, v.Width, v.Height)
	}
	if v.Speed <= 0 {
		return fmt.Errorf("%w: speed %.1f must be positive", ErrInvalidVideo, v.Speed)
	}

	if c.NegotiationTimeout <= 0 || c.PollingTimeout <= 0 {
		return ErrInvalidTiming
	}
	if c.TrackingHistory <= 0 {
		c.TrackingHistory = 1
	}

	if c.Transports.WebTransport && !c.TLS.Enabled() {
		return ErrTLSRequired
	}
	if !c.Transports.WebSocket && !c.Transports.Polling && !c.Transports.WebTransport {
		return ErrNoTransports
	}
	return nil
}
