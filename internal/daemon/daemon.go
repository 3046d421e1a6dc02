// Package daemon runs shmheapd: one anonymous heap published on a unix socket
// with an HTTP admin listener for metrics and probes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmheap/internal/logger"
	"github.com/srediag/shmheap/pkg/health"
	"github.com/srediag/shmheap/pkg/shm"
	"github.com/srediag/shmheap/pkg/transport"
)

const (
	metricsNamespace = "shmheapd"
	shutdownTimeout  = 5 * time.Second
)

var (
	ErrInvalidSize    = errors.New("heap size must be positive")
	ErrEmptyName      = errors.New("heap name is empty")
	ErrInvalidWorkers = errors.New("worker count must be positive")
)

var daemonLogger = logger.New("shmheapd", nil)

// Config is read from the environment by ParseConfig.
type Config struct {
	Socket    string `env:"SHMHEAPD_SOCKET" envDefault:"/tmp/shmheap.sock"`
	Size      int64  `env:"SHMHEAPD_SIZE" envDefault:"1048576"`
	Name      string `env:"SHMHEAPD_NAME" envDefault:"shmheap"`
	ReadOnly  bool   `env:"SHMHEAPD_READ_ONLY"`
	AdminAddr string `env:"SHMHEAPD_ADMIN_ADDR" envDefault:"127.0.0.1:9464"`
	Workers   int    `env:"SHMHEAPD_WORKERS" envDefault:"16"`
}

// ParseConfig loads Config from the environment and validates it.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Size <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidSize, c.Size)
	case c.Name == "":
		return ErrEmptyName
	case c.Workers <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Workers)
	}
	return nil
}

func (c Config) flags() shm.Flag {
	if c.ReadOnly {
		return shm.ReadOnly
	}
	return 0
}

// Daemon owns the published heap, the transport server and the admin server.
type Daemon struct {
	cfg    Config
	heap   *shm.Heap
	server *transport.Server
	admin  *http.Server
	adminL net.Listener
}

// New creates the heap, publishes it and binds both listeners. Nothing is
// served until Run.
func New(cfg Config) (*Daemon, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	heap, err := shm.NewAnonymous(cfg.Size, shm.WithName(cfg.Name), shm.WithFlags(cfg.flags()))
	if err != nil {
		return nil, fmt.Errorf("create heap: %w", err)
	}
	d := &Daemon{cfg: cfg, heap: heap}
	if err := d.setup(); err != nil {
		_ = d.close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) setup() error {
	conf := transport.DefaultServerConfig()
	conf.Path = d.cfg.Socket
	conf.Workers = d.cfg.Workers
	server, err := transport.NewServer(conf)
	if err != nil {
		return err
	}
	d.server = server
	if err := server.Publish(d.cfg.Name, d.heap); err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	if d.cfg.AdminAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := shm.RegisterMetrics(reg); err != nil {
		return err
	}
	if err := transport.RegisterMetrics(reg); err != nil {
		return err
	}
	probes := health.NewHandler(health.Config{
		Heaps:      map[string]*shm.Heap{d.cfg.Name: d.heap},
		Reserve:    uint64(d.cfg.Size),
		Registerer: reg,
		Namespace:  metricsNamespace,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/live", probes)
	mux.Handle("/ready", probes)

	ln, err := net.Listen("tcp", d.cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", d.cfg.AdminAddr, err)
	}
	d.adminL = ln
	d.admin = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return nil
}

// Heap returns the published heap.
func (d *Daemon) Heap() *shm.Heap {
	return d.heap
}

// AdminAddr returns the bound admin address, nil when the admin server is off.
func (d *Daemon) AdminAddr() net.Addr {
	if d.adminL == nil {
		return nil
	}
	return d.adminL.Addr()
}

// Run serves until ctx is done, then shuts both servers down and disposes the
// heap.
func (d *Daemon) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- d.server.Serve(ctx) }()
	if d.admin != nil {
		go func() {
			if err := d.admin.Serve(d.adminL); !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("admin server: %w", err)
				return
			}
			errc <- nil
		}()
	}
	daemonLogger.Infof("serving %s on %s", d.heap, d.cfg.Socket)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	return errors.Join(runErr, d.close())
}

func (d *Daemon) close() error {
	var errs []error
	if d.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.admin.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin: %w", err))
		}
		cancel()
	}
	if d.adminL != nil {
		// Shutdown only closes listeners passed to Serve.
		_ = d.adminL.Close()
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.heap.Dispose(); err != nil {
		errs = append(errs, fmt.Errorf("dispose heap: %w", err))
	}
	daemonLogger.Info("stopped")
	return errors.Join(errs...)
}
