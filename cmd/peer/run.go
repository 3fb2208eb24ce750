package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/infrastructure/monitoring"
	webrtcinfra "remotelink/internal/infrastructure/webrtc"
	"remotelink/internal/peer"
	"remotelink/pkg/config"
	"remotelink/pkg/logger"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, _, err = config.LoadFirst(config.SearchPaths...)
	}
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.Peer.APIURL = apiURL
	}
	if signalMode != "" {
		cfg.Peer.SignalTransport = signalMode
	}
	return cfg, cfg.Validate()
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	if len(cfg.WebRTC.ICEServers) == 0 {
		return nil
	}
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// runPeer opens the session, connects and blocks until interrupted or the
// connection fails for good. attach runs once the peer exists.
func runPeer(parent context.Context, opts peer.Options, attach func(context.Context, *peer.Peer, *zap.SugaredLogger)) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	if cfg.Peer.MetricsAddress != "" {
		metricsSrv := &http.Server{Addr: cfg.Peer.MetricsAddress, Handler: promhttp.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnw("metrics endpoint stopped", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	opts.PeerID = domain.PeerID(peerID)
	transportCfg := webrtcinfra.Config{
		ICEServers:     iceServers(cfg),
		PortMin:        cfg.WebRTC.PortRange.Min,
		PortMax:        cfg.WebRTC.PortRange.Max,
		MaxBitrateKbps: cfg.WebRTC.MaxBitrate,
		Offerer:        opts.Role == domain.RoleClient,
	}

	var capture *webrtcinfra.RTPCapture
	var videoPackets atomic.Int64
	if opts.Role == domain.RoleClient {
		addr := captureAddr
		if addr == "" {
			addr = cfg.Peer.CaptureAddress
		}
		if addr != "" {
			if capture, err = webrtcinfra.NewRTPCapture(addr, codec, log); err != nil {
				return err
			}
			transportCfg.Screen = capture.Track()
		}
		opts.Sink = func(ev domain.InputEvent) error {
			log.Debugw("input applied", "kind", ev.Kind, "event_type", ev.EventType)
			return nil
		}
	} else {
		transportCfg.OnVideo = func(*rtp.Packet) { videoPackets.Add(1) }
	}

	factory, err := webrtcinfra.NewFactory(transportCfg, log)
	if err != nil {
		return err
	}

	p, err := peer.New(cfg, opts, factory.NewTransport, collector, log)
	if err != nil {
		return err
	}
	p.OnQuality(collector.ObserveQuality)

	failed := make(chan error, 1)
	p.OnEvent(func(ev domain.ConnectionEvent) {
		log.Infow("connection phase changed",
			"session_code", ev.Code,
			"from", ev.Previous,
			"to", ev.Phase,
		)
		if ev.Phase == domain.PhaseFailed {
			select {
			case failed <- ev.Err:
			default:
			}
		}
	})

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	s, err := p.Open(openCtx)
	cancel()
	if err != nil {
		if capture != nil {
			_ = capture.Release()
		}
		return err
	}
	if opts.Role == domain.RoleHost {
		log.Infow("session created, share the code with the client", "session_code", s.Code, "expires_at", s.ExpiresAt)
	}
	if capture != nil {
		p.SetCapture(capture)
	}
	if attach != nil {
		go attach(ctx, p, log)
	}
	if err := p.Connect(); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-failed:
		runErr = fmt.Errorf("connection failed: %w", err)
	case <-p.Done():
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	p.Close(closeCtx)
	if opts.Role == domain.RoleHost {
		log.Infow("peer stopped", "video_packets", videoPackets.Load())
	}
	return runErr
}
