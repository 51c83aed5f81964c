package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"safestream/internal/config"
	"safestream/internal/engine"
	"safestream/internal/logger"
	"safestream/internal/metrics"
	"safestream/internal/server"
	"safestream/internal/session"
	"safestream/pkg/discovery"
	sig "safestream/pkg/signal"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to safestream config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "safestream config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"SAFESTREAM_CONFIG"},
	},
	&cli.UintFlag{
		Name:    "port",
		Usage:   "port for the signaling HTTP server",
		EnvVars: []string{"SAFESTREAM_PORT"},
	},
	&cli.StringFlag{
		Name:  "bind",
		Usage: "IP address to listen on",
	},
	&cli.StringFlag{
		Name:    "announced-ip",
		Usage:   "IP address written into ICE candidates, reachable by clients",
		EnvVars: []string{"SAFESTREAM_ANNOUNCED_IP"},
	},
	&cli.StringFlag{
		Name:  "media-engine",
		Usage: "media engine to use: pion or memory",
	},
	&cli.StringFlag{
		Name:    "playback-base-url",
		Usage:   "prefix of playback URLs handed to clients",
		EnvVars: []string{"SAFESTREAM_PLAYBACK_BASE_URL"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.BoolFlag{
		Name:  "announce",
		Usage: "broadcast the signaling address on the local network",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	app := &cli.App{
		Name:        "safestream",
		Usage:       "signaling relay for live SOS video broadcasts",
		Description: "run without subcommands to start the relay",
		Flags:       baseFlags,
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "discover",
				Usage:  "list relays announcing themselves on the local network",
				Action: discoverRelays,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "how long to listen for announcements",
						Value: discoverTimeout,
					},
				},
			},
			{
				Name:   "print-config",
				Usage:  "print the resolved configuration",
				Action: printConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString := c.String("config-body")
	if confString == "" {
		var err error
		if confString, err = config.LoadConfigFile(c.String("config")); err != nil {
			return nil, err
		}
	}
	return config.NewConfig(confString, !c.Bool("disable-strict-config"), c)
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.New(conf.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	if conf.Development {
		log.Infow("starting in development mode")
	}

	media, err := newMediaEngine(conf, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// 媒体引擎先就绪，再开始接受连接
	if err := media.Start(ctx); err != nil {
		return err
	}

	registry := session.NewRegistry(log)
	eng := engine.New(engine.Config{
		RoomID:             conf.Room.DefaultID,
		PlaybackBaseURL:    conf.Room.PlaybackBaseURL,
		NegotiationTimeout: conf.Room.NegotiationTimeout,
	}, media, registry, log)

	s := server.NewServer(server.Config{
		SendBufferSize:    conf.Signal.SendBufferSize,
		InboundBufferSize: conf.Signal.InboundBufferSize,
		ReadLimit:         conf.Signal.ReadLimit,
		PongWait:          conf.Signal.PongWait,
		PingPeriod:        conf.Signal.PingPeriod,
		WriteWait:         conf.Signal.WriteWait,
	}, registry, eng, log)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	addr, stopHTTP, err := server.StartHTTPServer(conf.ListenAddress(), server.NewHandler(s, prometheus.DefaultGatherer), log)
	if err != nil {
		return err
	}
	log.Infow("safestream relay started",
		"address", addr,
		"engine", conf.RTC.Engine,
		"announcedIP", conf.RTC.AnnouncedIP,
		"room", conf.Room.DefaultID,
	)

	g, gctx := errgroup.WithContext(ctx)
	if conf.Discovery.Enabled {
		g.Go(func() error {
			return runBeacon(gctx, conf, log)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down")
		s.Close()
		stopHTTP()
		return nil
	})
	return g.Wait()
}

func newMediaEngine(conf *config.Config, log *zap.SugaredLogger) (engine.MediaEngine, error) {
	var codecs []sig.RTPCodecCapability
	for _, codec := range conf.RTC.Codecs {
		codecs = append(codecs, sig.RTPCodecCapability{
			Kind:                 sig.MediaKind(codec.Kind),
			MimeType:             codec.MimeType,
			PreferredPayloadType: codec.PayloadType,
			ClockRate:            codec.ClockRate,
			Channels:             codec.Channels,
		})
	}

	switch conf.RTC.Engine {
	case config.EngineMemory:
		log.Warnw("using in-memory media engine, no media will flow")
		return engine.NewMemoryEngine(conf.RTC.AnnouncedIP, codecs...), nil
	case config.EnginePion:
		pc := engine.PionConfig{
			AnnouncedIP: conf.RTC.AnnouncedIP,
			EnableTCP:   conf.RTC.EnableTCP,
			UDPPortMin:  conf.RTC.UDPPortStart,
			UDPPortMax:  conf.RTC.UDPPortEnd,
			Codecs:      codecs,
		}
		if len(conf.RTC.STUNServers) > 0 {
			pc.ICEServers = []webrtc.ICEServer{{URLs: conf.RTC.STUNServers}}
		}
		return engine.NewPionEngine(pc, log), nil
	}
	return nil, errors.Wrap(config.ErrInvalidEngine, conf.RTC.Engine)
}

func runBeacon(ctx context.Context, conf *config.Config, log *zap.SugaredLogger) error {
	host := conf.Discovery.Host
	if host == "" {
		host = discovery.LocalIPv4()
	}
	if host == "" {
		log.Warnw("no LAN address found, not announcing")
		return nil
	}
	ann := discovery.Announcement{
		Name: conf.Discovery.Name,
		Host: host,
		Port: int(conf.Port),
		Path: "/ws",
	}
	log.Infow("announcing relay on local network", "signalURL", ann.SignalURL())
	return discovery.StartBeacon(ctx, ann, conf.Discovery.Interval)
}
