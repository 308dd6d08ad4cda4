package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/gorilla/handlers"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/heimdallr-mesh/fabric/bifrost/audit"
	"github.com/heimdallr-mesh/fabric/bifrost/connmgr"
	"github.com/heimdallr-mesh/fabric/bifrost/discovery"
	"github.com/heimdallr-mesh/fabric/bifrost/grpcbridge"
	"github.com/heimdallr-mesh/fabric/bifrost/metrics"
	"github.com/heimdallr-mesh/fabric/bifrost/quality"
	"github.com/heimdallr-mesh/fabric/bifrost/router"
	"github.com/heimdallr-mesh/fabric/bifrost/validation"
	"github.com/heimdallr-mesh/fabric/bifrost/wsserver"
	"github.com/heimdallr-mesh/fabric/config"
	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/keyrotation"
	"github.com/heimdallr-mesh/fabric/heimdall/keystore"
	"github.com/heimdallr-mesh/fabric/heimdall/mesh"
	"github.com/heimdallr-mesh/fabric/heimdall/meshvalidator"
	"github.com/heimdallr-mesh/fabric/heimdall/roles"
	"github.com/heimdallr-mesh/fabric/heimdall/session"
	"github.com/heimdallr-mesh/fabric/heimdall/tokencodec"
	"github.com/heimdallr-mesh/fabric/meshadmin"
	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] config-file",
		Short:   "Launch a mesh fabric node",
		Example: "meshfabricd serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}
	return cmd
}

// serverRunner wraps one http.Server into an oklog/run.Group actor pair:
// a run function that serves until the listener dies, and an interrupt
// function that shuts the server down with a bounded grace period.
type serverRunner struct {
	name   string
	srv    *http.Server
	logger log.Logger
}

func newServerRunner(name string, srv *http.Server, logger log.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}
	// s.srv.TLSConfig is set, per spec.md §6, only when the config supplies
	// both a cert and key file (wsserver.NewTLSConfig, TLS 1.3/AEAD only);
	// wrapping the raw listener here lets the same graceful-shutdown path
	// below serve either plaintext or TLS.
	if s.srv.TLSConfig != nil {
		listener = tls.NewListener(listener, s.srv.TLSConfig)
	}

	gr.Add(func() error {
		scheme := "ws"
		if s.srv.TLSConfig != nil {
			scheme = "wss"
		}
		s.logger.Infof("listening (%s) on %s://%s", s.name, scheme, s.srv.Addr)
		return s.srv.Serve(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

// storageHealthCheckFunc builds a gosundheit CheckFunc that proves the
// identity store is reachable by creating, then deleting, a throwaway
// MeshDevice -- the same create-then-delete probe shape as
// storage.NewCustomHealthCheckFunc uses against a throwaway AuthRequest.
func storageHealthCheckFunc(store identity.Storage, now func() time.Time) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		probeID := "healthcheck-" + identity.NewID()
		m := identity.MeshDevice{
			DeviceID:    probeID,
			Role:        identity.RoleGuest,
			OwnerUserID: probeID,
			IsActive:    false,
			LastSeen:    now(),
		}
		if err := store.CreateMeshDevice(ctx, m); err != nil {
			return nil, fmt.Errorf("create probe mesh device: %w", err)
		}
		if err := store.DeleteMeshDevice(ctx, probeID); err != nil {
			return nil, fmt.Errorf("delete probe mesh device: %w", err)
		}
		return nil, nil
	}
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", options.config, err)
	}

	var c config.Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %v", options.config, err)
	}
	c = c.WithDefaults()

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Infof("config node id: %s", c.NodeID)

	clk := clock.New()

	promRegistry := prometheus.NewRegistry()
	if err := promRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := promRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	store, err := c.Identity.Open()
	if err != nil {
		return fmt.Errorf("failed to initialize identity storage: %v", err)
	}
	defer store.Close()
	logger.Infof("config identity storage: %s", c.Identity.Type)

	keyStore := keystore.NewFileStore(c.Keys.Dir)
	rotation := keyrotation.New(keyStore, clk, keyrotation.Config{
		RotationInterval: c.Keys.RotationInterval,
		GracePeriod:      c.Keys.GracePeriod,
	}, logger)
	if _, ok, err := rotation.GetCurrent(c.Keys.HeimdallKeyID); err != nil || !ok {
		if err := rotation.Rotate(c.Keys.HeimdallKeyID); err != nil {
			return fmt.Errorf("failed to initialize signing key %q: %v", c.Keys.HeimdallKeyID, err)
		}
	}

	codec := tokencodec.New(rotation, clk, tokencodec.Config{
		KeyID:     c.Keys.HeimdallKeyID,
		ClockSkew: c.Expiry.ClockSkew,
		NewID:     identity.NewID,
	})

	roleMgr := roles.New(store)
	bgCtx := context.Background()
	if err := roleMgr.EnsureBaseRoles(bgCtx); err != nil {
		return fmt.Errorf("failed to seed base roles: %v", err)
	}

	meshRegistry := mesh.New(store, clk)

	sessionMgr := session.New(store, clk, session.Config{
		TTL:         c.Expiry.SessionTTL,
		IdleTimeout: c.Expiry.SessionIdle,
		NewID:       identity.NewID,
	})

	sink := audit.NewBufferedSink(audit.NewLogSink(logger))
	hijackDetector := session.NewDetector(store, clk, session.DetectorConfig{}, sink)

	admin := meshadmin.New(meshRegistry, roleMgr, sessionMgr, hijackDetector, sink, logger)

	validator := meshvalidator.New(codec, store)

	conns := connmgr.New(clk)
	state := metrics.New(clk, promRegistry)
	qualityMonitor := quality.NewMonitor(quality.Config{
		WindowSize:           c.Quality.WindowSize,
		MaxLatencyMS:         c.Quality.MaxLatencyMS,
		DegradationThreshold: c.Quality.DegradationThreshold,
		LatencyWeight:        c.Quality.LatencyWeight,
	})

	msgValidator := validation.New(validation.Config{})

	sender := connSender{conns: conns, clock: clk, metric: state}

	var bridge *grpcbridge.Bridge
	plainRouter := router.New(c.NodeID, conns, sender, qualityMonitor, localHandler(&bridge, logger))
	bridge = grpcbridge.New(plainRouter, clk, 30*time.Second)

	qualityRouter := quality.NewQualityRouter(conns, plainRouter, qualityMonitor)

	topRouter := &validatingRouter{
		validator: msgValidator,
		qrouter:   qualityRouter,
		plain:     plainRouter,
		metric:    state,
		bridge:    bridge,
	}

	authAdapter := meshAuthenticator{validator: validator}

	wsServer := wsserver.New(wsserver.Config{
		MaxParseErrors:      c.Web.MaxParseErrors,
		PerAddressRateLimit: rate.Limit(c.Web.PerAddressRateLimit),
		PerAddressBurst:     c.Web.PerAddressBurst,
	}, conns, authAdapter, topRouter, sink, logger, c.NodeID)
	wsServer.OnConnectionsChanged = state.SetConnectionsCount

	alertEvaluator := metrics.NewEvaluator(state, clk, logger, func(a metrics.Alert) {
		logger.Warnf("alert: %s: %s", a.Kind, a.Message)
	})

	var disc *discovery.Discovery
	if c.Discovery.Enabled {
		disc = discovery.New(discovery.Config{
			LocalDeviceID: c.NodeID,
			Port:          c.Discovery.Port,
			BrowseTimeout: c.Discovery.BrowseTimeout,
			Interval:      c.Discovery.Interval,
		}, clk, logger)
		if err := disc.Announce(); err != nil {
			logger.Errorf("discovery: announce failed: %v", err)
		}
	}

	healthChecker := gosundheit.New()
	now := func() time.Time { return clk.Now() }
	if err := healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "identity-storage",
			CheckFunc: storageHealthCheckFunc(store, now),
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	}); err != nil {
		return fmt.Errorf("failed to register health check: %v", err)
	}

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	telemetryRouter.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))

	var gr run.Group

	if c.Telemetry.Addr != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.Addr, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := newServerRunner("telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	wsHTTPServer := &http.Server{Addr: c.Web.Addr, Handler: handlers.RecoveryHandler()(wsServer.Handler())}
	if c.Web.CertFile != "" {
		tlsConfig, err := wsserver.NewTLSConfig(c.Web.CertFile, c.Web.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load WebSocket server TLS certificate: %v", err)
		}
		wsHTTPServer.TLSConfig = tlsConfig
	}
	defer wsHTTPServer.Close()
	if err := newServerRunner("ws", wsHTTPServer, logger).RunAndShutdownGracefully(&gr); err != nil {
		return err
	}

	if c.Admin.Addr != "" {
		adminSrv := &http.Server{Addr: c.Admin.Addr, Handler: handlers.RecoveryHandler()(admin.Handler())}
		defer adminSrv.Close()
		if err := newServerRunner("admin", adminSrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gr.Add(func() error {
		conns.RunHeartbeats(runCtx, func(conn *connmgr.Connection) {
			if err := conn.Ping(); err != nil {
				logger.Debugf("heartbeat: ping %s failed: %v", conn.ConnectionID, err)
				return
			}
			conn.RecordSent(clk.Now())
		})
		return nil
	}, func(error) { cancel() })

	gr.Add(func() error {
		rotation.Run(runCtx, []string{c.Keys.HeimdallKeyID}, time.Hour)
		return nil
	}, func(error) { cancel() })

	gr.Add(func() error {
		alertEvaluator.Run(runCtx, 10*time.Second)
		return nil
	}, func(error) { cancel() })

	if disc != nil {
		gr.Add(func() error {
			disc.RunContinuous(runCtx, func(peers []discovery.DiscoveredDevice) {
				logger.Debugf("discovery: found %d peers", len(peers))
			})
			return nil
		}, func(error) {
			disc.Shutdown()
			cancel()
		})
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	gr.Add(func() error {
		<-sigCtx.Done()
		return sigCtx.Err()
	}, func(error) { stop() })

	if err := gr.Run(); err != nil {
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}
