// Limbo: CLI entry point.
//
// Limbo fronts a game server and holds every new player in a fake world until
// the client has proven it is real. Verified players are bridged to the
// backend; bots are disconnected and blacklisted.
//
// It reads an optional TOML or YAML config file (-config); the listen
// addresses, the backend and debug logging can be overridden by flags. When
// no backend is configured it is asked for interactively.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/limbo/internal/adapter"
	"github.com/1ureka/limbo/internal/api"
	"github.com/1ureka/limbo/internal/challenge"
	"github.com/1ureka/limbo/internal/config"
	"github.com/1ureka/limbo/internal/fallback"
	"github.com/1ureka/limbo/internal/metrics"
	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/store"
	"github.com/1ureka/limbo/internal/transport"
	"github.com/1ureka/limbo/internal/util"
	"github.com/1ureka/limbo/internal/verdict"
)

var version = "dev"

const statsInterval = 10 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a .toml, .yaml or .yml config file")
	backendFlag := flag.String("backend", "", "Backend server address (host:port)")
	tcpFlag := flag.String("tcp", "", "TCP listen address for players")
	wsFlag := flag.String("ws", "", "WebSocket listen address for players")
	adminFlag := flag.String("admin", "", "Admin API listen address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *backendFlag != "" {
		cfg.Backend = *backendFlag
	}
	if *tcpFlag != "" {
		cfg.Listen.TCP = *tcpFlag
	}
	if *wsFlag != "" {
		cfg.Listen.WebSocket = *wsFlag
	}
	if *adminFlag != "" {
		cfg.Listen.Admin = *adminFlag
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}
	if !util.DebugEnabled() {
		gin.SetMode(gin.ReleaseMode)
	}

	pterm.Info.Println(fmt.Sprintf("Limbo v%s", version))
	pterm.Println()

	if cfg.Backend == "" {
		cfg.Backend = askBackend()
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("Limbo stopped")
}

// run wires every component and blocks until ctx is cancelled or a listener
// fails.
func run(ctx context.Context, cfg *config.Config) error {
	fcfg, err := fallback.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	cache := verdict.NewCache(verdict.Options{
		Capacity:        cfg.Cache.Capacity,
		Shards:          cfg.Cache.Shards,
		MaxBlacklistTTL: cfg.Cache.BlacklistMaxTTL(),
		OffenseMemory:   cfg.Cache.OffenseMemory(),
	})
	limiter := verdict.NewLimiter(cfg.Verification.AttemptsPerMinute, nil)

	ccfg := fallback.ChallengeConfigFrom(cfg)
	renderer := challenge.NewTextRenderer()
	gen := challenge.NewGenerator(ccfg, renderer, nil)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	var writer *store.Writer
	deps := fallback.Deps{Generator: gen, Cache: cache, Limiter: limiter, Metrics: m}
	if st != nil {
		defer st.Close()
		writer = store.NewWriter(st)
		deps.Recorder = writer
	}

	engine := fallback.NewEngine(fcfg, deps)

	if st != nil {
		restored, err := store.Restore(ctx, st, fcfg.TrustedTTL, engine)
		if err != nil {
			return err
		}
		util.LogInfo("Restored %d verified players and %d bans from %s",
			restored.Trusted, restored.Banned, cfg.Database.Type)
	}

	g, gctx := errgroup.WithContext(ctx)
	b := &bridge{backend: cfg.Backend}

	// Sessions render their own captcha until the pool is ready.
	if ccfg.CaptchaEnabled && cfg.Verification.Captcha.PoolSize > 0 {
		g.Go(func() error {
			preparePool(gctx, gen, ccfg, renderer, cfg.Verification.Captcha.PoolSize)
			return nil
		})
	}

	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})
	if writer != nil {
		g.Go(func() error {
			writer.Run(gctx)
			return nil
		})
	}
	util.StartStatsReporter(gctx, statsInterval)

	if cfg.Listen.TCP != "" {
		g.Go(func() error { return serveTCP(gctx, cfg.Listen.TCP, engine, b.handoff) })
	}
	if cfg.Listen.WebSocket != "" {
		ws := adapter.NewWebSocketHandler(gctx, engine, b.handoff)
		ws.DefaultVersion = protocol.Version(cfg.Protocol)
		util.LogSuccess("Listening for WebSocket players on %s", cfg.Listen.WebSocket)
		g.Go(func() error { return serveHTTP(gctx, cfg.Listen.WebSocket, ws) })
	}
	if cfg.Listen.Admin != "" {
		router := api.NewRouter(api.Options{
			Engine:  engine,
			Metrics: m,
			Offer: func(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
				return transport.Answer(ctx, offer, func(dc *webrtc.DataChannel, remote net.Addr) {
					adapter.ServeDataChannel(gctx, engine, dc, remote, b.handoff)
				})
			},
		})
		util.LogSuccess("Admin API on http://%s", cfg.Listen.Admin)
		g.Go(func() error { return serveHTTP(gctx, cfg.Listen.Admin, router) })
	}

	util.LogSuccess("Verifying players for %s", cfg.Backend)
	return g.Wait()
}

// preparePool renders size captchas and hands them to gen. A failure only
// leaves gen rendering per session.
func preparePool(ctx context.Context, gen *challenge.Generator, cfg challenge.Config, r challenge.Renderer, size int) {
	start := time.Now()
	pool, err := challenge.PreparePool(ctx, size, cfg, r, nil)
	if err != nil {
		if ctx.Err() == nil {
			util.LogWarning("Captcha pool unavailable, rendering per session: %v", err)
		}
		return
	}
	gen.UsePool(pool)
	util.LogInfo("Prepared %d captcha images in %s", pool.Len(), time.Since(start).Round(time.Millisecond))
}

// serveTCP accepts player connections on addr until ctx is cancelled.
func serveTCP(ctx context.Context, addr string, a adapter.Acceptor, handoff adapter.HandoffFunc) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	util.LogSuccess("Listening for players on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}
		go adapter.ServeStream(ctx, a, nc, handoff)
	}
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	if err := api.Serve(ctx, addr, h); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve %s: %w", addr, err)
	}
	return nil
}

// askBackend prompts for the backend address until a valid host:port is entered.
func askBackend() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Backend server address (e.g. 127.0.0.1:25566)").
			Show()

		addr := strings.TrimSpace(raw)
		if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
			pterm.Println()
			return addr
		}

		pterm.Println()
		util.LogWarning("invalid address: expected host:port")
	}
}
