package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetrelay/console/internal/config"
	"github.com/fleetrelay/console/internal/controlplane"
	"github.com/fleetrelay/console/internal/httpapi"
	"github.com/fleetrelay/console/internal/persistence"
	"github.com/fleetrelay/console/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// console is everything main wires together before serving: the persistence
// layer, the control-plane service, and the two listeners' servers.
type console struct {
	cfg     config.Config
	db      *persistence.DB
	service *controlplane.RegistryService
	store   *registry.Store
	grpcSrv *grpc.Server
	httpSrv *http.Server
}

func main() {
	cfg := config.Load()
	app, err := buildConsole(cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := app.db.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}()

	if err := app.serve(); err != nil {
		log.Fatalf("serve failed: %v", err)
	}
}

func buildConsole(cfg config.Config) (*console, error) {
	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := persistence.Open(openCtx, persistence.Options{
		Path:             cfg.DBPath,
		BusyTimeoutMS:    cfg.DBBusyTimeoutMS,
		HashKey:          cfg.HashKey,
		TaskRetentionDay: cfg.TaskRetentionDays,
	})
	if err != nil {
		return nil, err
	}

	tokens := httpapi.NewAccessTokens(db)
	adminToken, minted, err := tokens.EnsureAdminToken(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	if minted {
		log.Printf("console admin token minted (shown once): %s", adminToken)
	} else {
		log.Printf("console admin token already provisioned; not reprinted")
	}

	store := registry.NewStoreWithPersistence(db)
	service := controlplane.NewRegistryService(
		store,
		store.ListCredentialHashes(),
		cfg.HeartbeatIntervalSec,
		int32(cfg.OfflineTTL/time.Second),
		cfg.ReplayWindow,
	)
	service.SetHasher(db.Hasher)
	service.SetTaskRetention(time.Duration(cfg.TaskRetentionDays) * 24 * time.Hour)
	if err := service.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		db.Close()
		return nil, err
	}

	handler := httpapi.NewWorkerHandler(store, cfg.OfflineTTL, service, service, service, cfg.GRPCAddr)
	return &console{
		cfg:     cfg,
		db:      db,
		service: service,
		store:   store,
		grpcSrv: controlplane.NewServer(service),
		httpSrv: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: httpapi.NewRouter(handler, tokens),
		},
	}, nil
}

// serve runs both listeners plus the background pruners until a shutdown
// signal or the first fatal server error, then drains everything.
func (app *console) serve() error {
	grpcListener, err := net.Listen("tcp", app.cfg.GRPCAddr)
	if err != nil {
		return err
	}
	defer grpcListener.Close()
	httpListener, err := net.Listen("tcp", app.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	defer httpListener.Close()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	pruners, prunerCtx := errgroup.WithContext(runCtx)
	pruners.Go(func() error {
		runSweeper(prunerCtx, time.Second, func(now time.Time) (string, int) {
			return "offline worker(s)", app.store.PruneOffline(now, app.cfg.OfflineTTL)
		})
		return nil
	})
	pruners.Go(func() error {
		runSweeper(prunerCtx, time.Minute, func(now time.Time) (string, int) {
			return "expired task(s)", app.service.PruneExpiredTasks(now)
		})
		return nil
	})

	serveErrCh := make(chan error, 2)
	go func() {
		if err := app.grpcSrv.Serve(grpcListener); err != nil {
			select {
			case serveErrCh <- err:
			case <-runCtx.Done():
			}
		}
	}()
	go func() {
		if err := app.httpSrv.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serveErrCh <- err:
			case <-runCtx.Done():
			}
		}
	}()

	log.Printf("console HTTP listening on %s", httpListener.Addr().String())
	log.Printf("console gRPC listening on %s", grpcListener.Addr().String())

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-signalCtx.Done():
		log.Printf("shutdown signal received")
	case err := <-serveErrCh:
		log.Printf("server exited with error: %v", err)
	}
	cancelRun()

	app.shutdown()
	return pruners.Wait()
}

func (app *console) shutdown() {
	grpcStopped := make(chan struct{})
	go func() {
		app.grpcSrv.GracefulStop()
		close(grpcStopped)
	}()
	select {
	case <-grpcStopped:
	case <-time.After(5 * time.Second):
		log.Printf("gRPC graceful stop timed out, forcing stop")
		app.grpcSrv.Stop()
		<-grpcStopped
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.httpSrv.Shutdown(httpCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
}

// runSweeper ticks every interval and logs whenever a sweep removed rows.
func runSweeper(ctx context.Context, interval time.Duration, sweep func(now time.Time) (string, int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if what, removed := sweep(now); removed > 0 {
				log.Printf("pruned %d %s", removed, what)
			}
		}
	}
}
