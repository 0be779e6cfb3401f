package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tmon/config"
	"tmon/internal/cmdqueue"
	"tmon/internal/credentials"
	"tmon/internal/db"
	"tmon/internal/devices"
	"tmon/internal/gate"
	"tmon/internal/health"
	"tmon/internal/hubsync"
	"tmon/internal/logs"
	"tmon/internal/middleware"
	"tmon/internal/provision"
	"tmon/internal/sentinel"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db *gorm.DB

	// set for the role that owns them
	hub      *hubsync.Hub
	spoke    *hubsync.Spoke
	sentinel *sentinel.Sentinel
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	// 1) logging
	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})

	// 2) database: both roles need one
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	a.db = d
	if err := db.Migrate(a.db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	// 3) router + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)
	health.RegisterRoutesWithDB(a.Router, a.db)

	// 4) role
	switch cfg.Role {
	case config.RoleHub:
		err = a.initHub()
	case config.RoleSpoke:
		err = a.initSpoke()
	default:
		err = fmt.Errorf("unknown role %q", cfg.Role)
	}
	if err != nil {
		return err
	}

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		logs.Logger.WithFields(logrus.Fields{"methods": methods, "path": path}).Debug("route")
		return nil
	})
	return nil
}

func (a *App) initHub() error {
	creds := credentials.NewStore(a.db)
	if _, err := creds.EnsureHubKey(context.Background()); err != nil {
		return fmt.Errorf("hub key: %w", err)
	}
	devs := devices.NewStore(a.db)
	audit := devices.NewAuditLog(a.db)
	queue := provision.NewQueue(a.db, provision.Options{
		TTL:        a.cfg.Queue.TTL,
		MaxPerSite: a.cfg.Queue.MaxPerSite,
	})
	svc := provision.NewService(queue, provision.NewStaged(a.db), devs, audit)
	tel := gate.NewTelemetry(a.db)
	ing := gate.NewIngestor(devs, audit, queue)
	g := gate.New(devs, tel, ing)

	a.hub = hubsync.NewHub(hubsync.HubDeps{
		SiteURL:   a.cfg.SiteURL,
		Creds:     creds,
		Devices:   devs,
		Audit:     audit,
		Provision: svc,
		Gate:      gate.NewHTTP(g, tel, ing),
		Telemetry: tel,
		Client:    hubsync.NewClient(a.cfg.Sync.Timeout),
		Auth: hubsync.NewAuth(hubsync.HubVerifier{Creds: creds, AdminKey: a.cfg.Auth.AdminKey},
			a.cfg.Auth.SessionTokens),
	})
	svc.SetNotifier(a.hub)
	a.hub.RegisterRoutes(a.Router)
	return nil
}

func (a *App) initSpoke() error {
	creds := credentials.NewStore(a.db)
	devs := devices.NewStore(a.db)
	queue := cmdqueue.NewQueue(a.db, cmdqueue.Options{
		PollLimit:    a.cfg.Commands.PollLimit,
		ClaimTimeout: a.cfg.Commands.ClaimTimeout,
		MaxRequeues:  a.cfg.Commands.MaxRequeues,
		TTL:          a.cfg.Commands.TTL,
	})
	disp := cmdqueue.NewDispatcher(queue, nil)
	tel := gate.NewTelemetry(a.db)
	// the forwarder is the spoke itself, set once it exists
	g := gate.New(devs, tel, nil)

	a.spoke = hubsync.NewSpoke(hubsync.SpokeDeps{
		SiteURL:    a.cfg.SiteURL,
		HubURL:     a.cfg.Hub.URL,
		StagingDir: a.cfg.Install.StagingDir,
		Creds:      creds,
		Devices:    devs,
		Staged:     provision.NewStaged(a.db),
		Dispatcher: disp,
		Commands:   cmdqueue.NewHTTP(disp, devs, hubsync.Actor),
		Gate:       gate.NewHTTP(g, tel, nil),
		Client:     hubsync.NewClient(a.cfg.Sync.Timeout),
		Auth: hubsync.NewAuth(hubsync.SpokeVerifier{Creds: creds, AdminKey: a.cfg.Auth.AdminKey},
			a.cfg.Auth.SessionTokens),
	})
	g.SetForwarder(a.spoke)
	a.spoke.RegisterRoutes(a.Router)
	a.sentinel = sentinel.New(queue, a.cfg.Sentinel.Interval)
	return nil
}

// Run serves HTTP and the role's background loops until SIGINT/SIGTERM
// or until one of them fails.
func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

func (a *App) serve(ctx context.Context) error {
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)
	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logs.Logger.WithFields(logrus.Fields{"addr": bind, "role": a.cfg.Role}).Info("HTTP listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(sctx)
	})
	if a.sentinel != nil {
		g.Go(func() error { return a.sentinel.Run(gctx) })
	}
	if a.spoke != nil {
		g.Go(func() error { return a.spoke.RunPullLoop(gctx, a.cfg.Sync.PullInterval) })
	}
	return g.Wait()
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
