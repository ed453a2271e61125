// Package restserver serves a read-only HTTP API over the run catalog.
package restserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bregeon/LidarEyeball/internal/log"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/bregeon/LidarEyeball/pkg/config"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RunCatalog is the subset of the catalog the handlers query
type RunCatalog interface {
	Get(ctx context.Context, runNumber int) (types.RunSummary, error)
	All(ctx context.Context) ([]types.RunSummary, error)
	RunsBetween(ctx context.Context, from, to time.Time) ([]types.RunSummary, error)
	RunsForNight(ctx context.Context, start time.Time) ([]types.RunSummary, error)
}

// Controller represents the REST server controller
type Controller struct {
	ctx        context.Context
	wg         *sync.WaitGroup
	restConfig config.RESTServerData
	Server     http.Server
	catalog    RunCatalog
	logger     *zap.SugaredLogger
	handlers   *Handlers
}

// NewController creates a REST server over cat
func NewController(ctx context.Context, wg *sync.WaitGroup, rc config.RESTServerData, cat RunCatalog, logger *zap.SugaredLogger) (*Controller, error) {
	if cat == nil {
		return nil, fmt.Errorf("the REST server needs a run catalog: set storage.catalog.path")
	}
	if logger == nil {
		logger = log.Named("restserver")
	}

	if rc.ListenAddr == "" {
		logger.Info("rest.listen-addr not provided; defaulting to 0.0.0.0 (all interfaces)")
		rc.ListenAddr = "0.0.0.0"
	}
	if rc.Port == 0 {
		logger.Infof("rest.port not provided; defaulting to %d", config.DefaultRESTPort)
		rc.Port = config.DefaultRESTPort
	}

	ctrl := &Controller{
		ctx:        ctx,
		wg:         wg,
		restConfig: rc,
		catalog:    cat,
		logger:     logger,
	}
	ctrl.handlers = NewHandlers(ctrl)
	ctrl.Server.Addr = fmt.Sprintf("%v:%v", rc.ListenAddr, rc.Port)
	ctrl.Server.Handler = ctrl.wrap(ctrl.setupRouter())
	ctrl.Server.ReadHeaderTimeout = 10 * time.Second
	return ctrl, nil
}

// StartController starts serving until the controller context is cancelled
func (c *Controller) StartController() error {
	c.logger.Infow("starting REST server", "addr", c.Server.Addr)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		var err error
		if c.restConfig.Cert != "" && c.restConfig.Key != "" {
			err = c.Server.ListenAndServeTLS(c.restConfig.Cert, c.restConfig.Key)
		} else {
			err = c.Server.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			c.logger.Errorf("REST server error: %v", err)
		}
	}()

	go func() {
		<-c.ctx.Done()
		c.logger.Info("shutting down the REST server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Handler returns the routed handler, for tests and embedding
func (c *Controller) Handler() http.Handler {
	return c.Server.Handler
}

// setupRouter configures the HTTP router with all endpoints
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(log.HTTPMiddleware(c.logger))

	router.HandleFunc("/healthz", c.handlers.Health).Methods(http.MethodGet)
	router.HandleFunc("/runs", c.handlers.GetRuns).Methods(http.MethodGet)
	router.HandleFunc("/runs/{run:[0-9]+}", c.handlers.GetRun).Methods(http.MethodGet)
	router.HandleFunc("/nights/{date}", c.handlers.GetNight).Methods(http.MethodGet)

	return router
}

// wrap adds panic recovery and read-only CORS around the router
func (c *Controller) wrap(router http.Handler) http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodOptions}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(c.logger.Desugar())),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(router))
}
