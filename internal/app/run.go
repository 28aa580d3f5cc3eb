package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/petervdpas/callbridge/internal/call"
	"github.com/petervdpas/callbridge/internal/config"
	"github.com/petervdpas/callbridge/internal/events"
	"github.com/petervdpas/callbridge/internal/media"
	"github.com/petervdpas/callbridge/internal/params"
	"github.com/petervdpas/callbridge/internal/signal"
	"github.com/petervdpas/callbridge/internal/storage"
	"github.com/petervdpas/callbridge/internal/surface"
	"github.com/petervdpas/callbridge/internal/transport"
	"github.com/petervdpas/callbridge/internal/viewer"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
	Params  params.Params

	// Stdout receives the CALL_EVENT lines; nil means os.Stdout.
	Stdout io.Writer
	// Ready, when set, is called with the viewer address once the agent
	// is serving.
	Ready func(viewerAddr string)
}

// capturer is what the agent needs from a media source beyond capture itself.
type capturer interface {
	media.Capture
	SetConfig(config.Media)
	PopulateMediaEngine(*webrtc.MediaEngine) error
}

func newCapture(cfg config.Media) (capturer, error) {
	if cfg.Synthetic {
		log.Printf("MEDIA: using synthetic tracks")
		return media.NewSyntheticCapture(), nil
	}
	return media.NewDeviceCapture(cfg)
}

// applyReload pushes a reloaded config into the running agent. Recording
// changes apply to tracks attached afterwards.
func applyReload(cfgPath string, c config.Config, capture capturer, surf *surface.Surface) {
	capture.SetConfig(c.Media)
	surf.Controls.SetDelay(time.Duration(c.Controls.HideAfterMs) * time.Millisecond)
	surf.Remote.SetRecordDir(resolve(cfgPath, c.Recording.Dir))
	if err := transport.SetPionLevel(pionLevel(c.Logging.PionLevel)); err != nil {
		log.Printf("CONFIG: pion level: %v", err)
	}
}

// Run starts one call agent and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if opt.Params.PeerID == "" {
		return errors.New("peer id is required")
	}
	if err := transport.SetupLogging(pionLevel(cfg.Logging.PionLevel)); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logBanner(opt.CfgPath, opt.Params)

	stdout := opt.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	// ── Event sinks
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := events.NewRecorder(256)
	sinks := events.Multi{events.NewLineSink(stdout), recorder, events.NewMetrics(reg)}

	var history *storage.History
	if path := resolve(opt.CfgPath, cfg.History.DBPath); path != "" {
		db, err := storage.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()
		history = storage.NewHistory(db)
		sinks = append(sinks, history)
		log.Printf("HISTORY: journal at %s", db.Path())
	}
	bridge := events.NewBridge(opt.Params.PeerID, sinks)

	// ── Media and transport
	capture, err := newCapture(cfg.Media)
	if err != nil {
		return err
	}
	api, err := transport.NewAPI(capture.PopulateMediaEngine)
	if err != nil {
		return err
	}

	hideAfter := time.Duration(cfg.Controls.HideAfterMs) * time.Millisecond
	surf := surface.New(clock.New(), hideAfter, resolve(opt.CfgPath, cfg.Recording.Dir))
	defer surf.Controls.Stop()

	ctrl, err := call.New(call.Options{
		PeerID:   opt.Params.PeerID,
		TargetID: opt.Params.TargetID,
		Capture:  capture,
		Transport: call.PionTransport{Options: transport.Options{
			SignalURL:  cfg.Signal.URL,
			Heartbeat:  time.Duration(cfg.Signal.HeartbeatSec) * time.Second,
			ICEServers: cfg.Signal.ICEServers,
			API:        api,
		}},
		Events:  bridge,
		Surface: surf,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	// ── Viewer
	addr, err := viewer.Viewer{
		Ctrl:    ctrl,
		Events:  recorder,
		History: history,
		Logs:    logBuf,
		Metrics: reg,
	}.Start(ctx, NormalizeLocalViewer(cfg.Viewer.HTTPAddr))
	if err != nil {
		return err
	}

	// ── Hot reload
	if opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			applyReload(opt.CfgPath, c, capture, surf)
		})
		if err != nil {
			log.Printf("CONFIG: hot reload disabled: %v", err)
		}
	}

	if err := ctrl.Initialize(ctx); err != nil {
		// already reported to the host; the surface stays up
		log.Printf("CALL [%s]: initialize: %v", opt.Params.PeerID, err)
	}
	if opt.Ready != nil {
		opt.Ready(addr)
	}

	<-ctx.Done()
	log.Printf("CALL [%s]: shutting down", opt.Params.PeerID)
	return nil
}

// RunSignal hosts the signaling broker until ctx is done.
func RunSignal(ctx context.Context, cfg config.Config, ready func(url string)) error {
	if cfg.Signal.HeartbeatSec <= 0 {
		return errors.New("signal.heartbeat_seconds must be > 0")
	}
	srv := signal.NewServer(cfg.Signal.ListenAddr, time.Duration(cfg.Signal.HeartbeatSec)*time.Second)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("signal broker: %w", err)
	}
	if ready != nil {
		ready(srv.URL())
	}
	<-ctx.Done()
	return nil
}
