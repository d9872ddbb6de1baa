// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/media"
	"github.com/parleyapp/parley/internal/relay"
	"github.com/parleyapp/parley/internal/ringer"
	"github.com/parleyapp/parley/internal/routes"
	"github.com/parleyapp/parley/internal/rtc"
	"github.com/parleyapp/parley/internal/session"
)

var (
	cfgPath = flag.String("config", "parley.json", "Path to config file")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}

	if err := run(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run() error {
	cfg, err := loadOrInit(*cfgPath)
	if err != nil {
		return err
	}

	store, err := relay.Open(cfg.Relay.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	mediaCtl := media.NewController(media.DeviceCapturerSized(cfg.Media.MaxWidth, cfg.Media.MaxHeight))
	self := cfg.Identity.SelfID

	newAdapter := func(callID, peer string, initiator bool, ev rtc.Events) (session.Adapter, error) {
		api, err := mediaCtl.WebRTCAPI()
		if err != nil {
			return nil, err
		}
		return rtc.New(rtc.Config{
			API:         api,
			STUNServers: cfg.Call.STUNServers,
			CallID:      callID,
			Self:        self,
			Peer:        peer,
			Initiator:   initiator,
			Relay:       store,
			Events:      ev,
		})
	}

	mgr, err := session.NewManager(session.Deps{
		Relay:          store,
		Media:          mediaCtl,
		NewAdapter:     newAdapter,
		Self:           self,
		ForceAudioOnly: cfg.Media.DisableVideo,
		PollInterval:   time.Duration(cfg.Relay.PollIntervalMS) * time.Millisecond,
		RingTimeout:    time.Duration(cfg.Relay.RingTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	listener, err := ringer.NewListener(ringer.Config{
		Relay:    store,
		Self:     self,
		Notifier: ringer.DesktopNotifier{},
		Chime:    &ringer.ConsoleChime{},
	})
	if err != nil {
		return err
	}
	defer listener.Close()

	// Late-join: an accepted call naming us with no local adapter yet —
	// acceptance happened before this process started.
	if snap, joined, err := mgr.Resume(context.Background()); err != nil {
		log.Printf("MAIN: resume check: %v", err)
	} else if joined {
		log.Printf("MAIN: resumed call %s with %s", snap.CallID, snap.Peer)
	}

	mux := http.NewServeMux()
	routes.RegisterCall(mux, mgr, listener)

	srv := &http.Server{Addr: cfg.HTTP.Bind, Handler: mux}
	go func() {
		log.Printf("MAIN: call API on http://%s", cfg.HTTP.Bind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("MAIN: http server: %v", err)
		}
	}()

	stopWatch := watchConfig(*cfgPath, mgr)
	defer stopWatch()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("MAIN: shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	return nil
}

// loadOrInit loads the config, writing a template on first run so the user
// has something to fill the identity into.
func loadOrInit(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return config.Config{}, err
	}
	tpl := config.Default()
	if saveErr := config.Save(path, tpl); saveErr != nil {
		return config.Config{}, saveErr
	}
	return config.Config{}, fmt.Errorf("wrote template config to %s — set identity.self_id and restart", path)
}

// watchConfig hot-applies relay tuning changes (poll interval, ring
// timeout) so they take effect without a restart. Anything else still
// needs one.
func watchConfig(path string, mgr *session.Manager) (stop func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("MAIN: config watch unavailable: %v", err)
		return func() {}
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Printf("MAIN: config watch: %v", err)
		watcher.Close()
		return func() {}
	}

	abs, _ := filepath.Abs(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				evAbs, _ := filepath.Abs(ev.Name)
				if evAbs != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := config.Load(path)
				if err != nil {
					log.Printf("MAIN: config reload skipped: %v", err)
					continue
				}
				mgr.SetTuning(cfg.Relay.PollIntervalMS, cfg.Relay.RingTimeoutSec)
				log.Printf("MAIN: applied relay tuning from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("MAIN: config watch: %v", err)
			}
		}
	}()
	return func() { watcher.Close() }
}
