package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	server "zerodependency.co.uk/haia/snippets/balltrack/server"
	"zerodependency.co.uk/haia/snippets/balltrack/server/config"
	"zerodependency.co.uk/haia/snippets/balltrack/server/logger"
	"zerodependency.co.uk/haia/snippets/balltrack/server/transport"
)

const (
	acceptBacklog   = 16
	shutdownTimeout = 10 * time.Second
)

func newRootCommand() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:           "balltrack",
		Short:         "WebRTC bouncing ball tracking test server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file, _ := cmd.Flags().GetString("config"); file != "" {
				v.SetConfigFile(file)
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := logger.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.String("config", "", "config file (default: config.yaml in ., $HOME/.balltrack, /etc/balltrack)")
	f.String("listen", "", "address to listen on")
	f.String("tls-cert", "", "TLS certificate file, enables HTTPS and WebTransport")
	f.String("tls-key", "", "TLS key file")
	f.String("static-dir", "", "directory served for unmatched paths")
	f.StringSlice("ice-server", nil, "STUN/TURN server URL, repeatable")
	f.String("log-level", "", "trace, debug, info, warn or error")

	flags := map[string]string{
		"listen":      "listen",
		"tls.cert":    "tls-cert",
		"tls.key":     "tls-key",
		"static.dir":  "static-dir",
		"ice.servers": "ice-server",
		"log.level":   "log-level",
	}
	for key, name := range flags {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			log.WithFields(log.Fields{
				"error": err,
				"flag":  name,
			}).Fatal("unable to bind flag")
		}
	}

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	peers, err := server.NewWebRTCPeers(cfg.ICEServers, logger.NewPionFactory(log.StandardLogger()))
	if err != nil {
		return err
	}

	bridge := transport.NewBridge(acceptBacklog)
	registry := server.NewRegistry(bridge, server.SessionConfig{
		Peers: peers,
		Video: server.VideoConfig{
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FrameRate: cfg.Video.FrameRate,
			Radius:    cfg.Video.Radius,
			Speed:     cfg.Video.Speed,
			History:   cfg.TrackingHistory,
		},
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             log.NewEntry(log.StandardLogger()),
	})

	r := routes{
		registry:  registry,
		staticDir: cfg.StaticDir,
	}
	if cfg.Transports.Polling {
		r.polling = transport.NewPolling(bridge, cfg.PollingTimeout)
	}
	if cfg.Transports.WebSocket {
		r.websocket = transport.NewWebSocket(bridge)
	}

	if !log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(r)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wt *transport.WebTransport
	if cfg.Transports.WebTransport {
		mux := http.NewServeMux()
		mux.Handle("/", router)
		wt = transport.NewWebTransport(bridge, cfg.Listen, mux)
		mux.HandleFunc("/wt", wt.Upgrade)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return registry.Serve(ctx)
	})

	g.Go(func() error {
		log.WithFields(log.Fields{
			"listen": cfg.Listen,
			"tls":    cfg.TLS.Enabled(),
		}).Info("http server listening")

		var err error
		if cfg.TLS.Enabled() {
			err = srv.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if wt != nil {
		g.Go(func() error {
			log.WithFields(log.Fields{
				"listen": cfg.Listen,
			}).Info("webtransport server listening")

			err := wt.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
			if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		// Closing the sessions first ends any long poll still in flight.
		err := registry.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.WithFields(log.Fields{
				"error": serr,
			}).Warn("http server shutdown")
		}
		if wt != nil {
			if werr := wt.Close(); werr != nil {
				log.WithFields(log.Fields{
					"error": werr,
				}).Warn("webtransport server shutdown")
			}
		}
		return err
	})

	return g.Wait()
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
