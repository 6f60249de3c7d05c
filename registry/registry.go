package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logrus_bugsnag "github.com/Shopify/logrus-bugsnag"
	logstash "github.com/bshuster-repo/logrus-logstash-hook"
	"github.com/bugsnag/bugsnag-go"
	"github.com/docker/go-metrics"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"github.com/yvasiyarov/gorelic"
	"golang.org/x/sync/errgroup"

	"github.com/dockyard/registry/configuration"
	"github.com/dockyard/registry/health"
	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/handlers"
	"github.com/dockyard/registry/registry/purge"
	"github.com/dockyard/registry/version"
)

// a list of default ciphersuites to utilize
var defaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

const defaultTLSVersionStr = "tls1.2"

// tlsVersions maps user-specified values to tls version constants.
var tlsVersions = map[string]uint16{
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// defaultDrainTimeout bounds the wait for in-flight requests on shutdown.
const defaultDrainTimeout = 30 * time.Second

// this channel gets notified when process receives signal. It is global to ease unit testing
var quit = make(chan os.Signal, 1)

// A Registry represents a complete instance of the registry.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
	debug  *http.Server
	purger *purge.Purger
}

// NewRegistry creates a new registry from a context and configuration struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	var err error
	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring logger: %v", err)
	}

	configureBugsnag(config)

	app := handlers.NewApp(ctx, config)
	healthRegistry := health.NewRegistry()
	app.RegisterHealthChecks(healthRegistry)

	handler := configureReporting(app)
	handler = alive("/", handler)
	handler = healthRegistry.Handler(handler)
	handler = panicHandler(handler)
	if !config.Log.AccessLog.Disabled {
		if config.Log.AccessLog.Formatter == "json" {
			handler = JSONLoggingHandler(os.Stdout, handler)
		} else {
			handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)
		}
	}
	if config.HTTP.MaxConnectionAge > 0 {
		handler = connectionAgeHandler(config.HTTP.MaxConnectionAge, handler)
	}

	server := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: handler,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connStartKey{}, time.Now())
		},
	}

	var debug *http.Server
	if config.HTTP.Debug.Addr != "" {
		debug = &http.Server{
			Addr:    config.HTTP.Debug.Addr,
			Handler: debugHandler(config, healthRegistry),
		}
	}

	return &Registry{
		app:    app,
		config: config,
		server: server,
		debug:  debug,
		purger: purge.New(app.Registry(), purge.FromConfig(config)),
	}, nil
}

// createCertPool reads every PEM file of paths into a pool.
func createCertPool(paths []string, readFile func(string) ([]byte, error)) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, ca := range paths {
		caPem, err := readFile(ca)
		if err != nil {
			return nil, err
		}

		if ok := pool.AppendCertsFromPEM(caPem); !ok {
			return nil, fmt.Errorf("could not add CA to pool")
		}
	}
	return pool, nil
}

func (registry *Registry) tlsConfig(ctx context.Context) (*tls.Config, error) {
	config := registry.config
	tlsMinVersionStr := config.HTTP.TLS.MinimumTLS
	if tlsMinVersionStr == "" {
		tlsMinVersionStr = defaultTLSVersionStr
	}
	tlsMinVersion, ok := tlsVersions[strings.ToLower(tlsMinVersionStr)]
	if !ok {
		return nil, fmt.Errorf("unknown minimum TLS level '%s' specified for http.tls.minimumtls", config.HTTP.TLS.MinimumTLS)
	}
	dcontext.GetLogger(ctx).Infof("restricting TLS version to %s or higher", tlsMinVersionStr)

	var tlsCipherSuites []uint16
	// configuring cipher suites are no longer supported after the tls1.3.
	// (https://go.dev/blog/tls-cipher-suites)
	if tlsMinVersion < tls.VersionTLS13 {
		tlsCipherSuites = defaultCipherSuites
	}

	tlsConf := &tls.Config{
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tlsMinVersion,
		CipherSuites: tlsCipherSuites,
	}

	cert, err := tls.LoadX509KeyPair(config.HTTP.TLS.Certificate, config.HTTP.TLS.Key)
	if err != nil {
		return nil, err
	}
	tlsConf.Certificates = []tls.Certificate{cert}

	if len(config.HTTP.TLS.ClientCAs) != 0 {
		pool, err := createCertPool(config.HTTP.TLS.ClientCAs, os.ReadFile)
		if err != nil {
			return nil, err
		}
		dcontext.GetLogger(ctx).Debugf("loaded %d client CAs", len(config.HTTP.TLS.ClientCAs))

		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConf.ClientCAs = pool
	}
	return tlsConf, nil
}

// ListenAndServe runs the registry's HTTP server, the debug server and the
// background collector until the process receives an interrupt, then drains
// in-flight requests for up to the configured drain timeout.
func (registry *Registry) ListenAndServe() error {
	config := registry.config
	ctx := registry.app.Context

	ln, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return err
	}

	if config.HTTP.TLS.Certificate != "" {
		tlsConf, err := registry.tlsConfig(ctx)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsConf)
		dcontext.GetLogger(ctx).Infof("listening on %v, tls", ln.Addr())
	} else {
		dcontext.GetLogger(ctx).Infof("listening on %v", ln.Addr())
	}

	var debugLn net.Listener
	if registry.debug != nil {
		debugLn, err = net.Listen("tcp", registry.debug.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("error listening on debug interface: %v", err)
		}
		dcontext.GetLogger(ctx).Infof("debug server listening %v", debugLn.Addr())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := registry.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if debugLn != nil {
		g.Go(func() error {
			if err := registry.debug.Serve(debugLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		registry.purger.Run(gctx)
		return nil
	})

	// setup channel to get notified on SIGTERM and interrupt signals
	signal.Notify(quit, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(quit)

	g.Go(func() error {
		select {
		case <-quit:
			dcontext.GetLogger(ctx).Info("stopping server gracefully. Draining connections for ", registry.drainTimeout())
		case <-gctx.Done():
		}
		defer cancel()
		return registry.Shutdown(ctx)
	})

	err = g.Wait()
	if closeErr := registry.app.Close(ctx); closeErr != nil {
		dcontext.GetLogger(ctx).WithError(closeErr).Error("closing application")
	}
	return err
}

func (registry *Registry) drainTimeout() time.Duration {
	if registry.config.HTTP.DrainTimeout > 0 {
		return registry.config.HTTP.DrainTimeout
	}
	return defaultDrainTimeout
}

// Shutdown stops accepting connections and waits for in-flight requests,
// up to the drain timeout. The background collector stops with the
// servers.
func (registry *Registry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, registry.drainTimeout())
	defer cancel()

	var errs []error
	errs = append(errs, registry.server.Shutdown(ctx))
	if registry.debug != nil {
		errs = append(errs, registry.debug.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func configureBugsnag(config *configuration.Configuration) {
	if config.Reporting.Bugsnag.APIKey == "" {
		return
	}

	bugsnagConfig := bugsnag.Configuration{
		APIKey:     config.Reporting.Bugsnag.APIKey,
		AppVersion: version.Version(),
	}
	if config.Reporting.Bugsnag.ReleaseStage != "" {
		bugsnagConfig.ReleaseStage = config.Reporting.Bugsnag.ReleaseStage
	}
	if config.Reporting.Bugsnag.Endpoint != "" {
		bugsnagConfig.Endpoint = config.Reporting.Bugsnag.Endpoint
	}
	bugsnag.Configure(bugsnagConfig)

	// configure logrus bugsnag hook
	hook, err := logrus_bugsnag.NewBugsnagHook()
	if err != nil {
		logrus.Fatalln(err)
	}

	logrus.AddHook(hook)
}

func configureReporting(app *handlers.App) http.Handler {
	var handler http.Handler = app

	if app.Config.Reporting.Bugsnag.APIKey != "" {
		handler = bugsnag.Handler(handler)
	}

	if app.Config.Reporting.NewRelic.LicenseKey != "" {
		agent := gorelic.NewAgent()
		agent.NewrelicLicense = app.Config.Reporting.NewRelic.LicenseKey
		if app.Config.Reporting.NewRelic.Name != "" {
			agent.NewrelicName = app.Config.Reporting.NewRelic.Name
		}
		agent.CollectHTTPStat = true
		agent.Verbose = app.Config.Reporting.NewRelic.Verbose
		if err := agent.Run(); err != nil {
			dcontext.GetLogger(app).WithError(err).Error("starting newrelic agent")
			return handler
		}

		handler = agent.WrapHTTPHandler(handler)
	}

	return handler
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))
	logrus.SetReportCaller(config.Log.ReportCaller)

	formatter := config.Log.Formatter
	if formatter == "" {
		formatter = "text" // default formatter
	}

	switch formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:   time.RFC3339Nano,
			DisableHTMLEscape: true,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "logstash":
		logrus.SetFormatter(&logstash.LogstashFormatter{
			Formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano},
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", formatter)
	}

	logrus.Debugf("using %q logging formatter", formatter)

	// log the application version with messages
	ctx = dcontext.WithVersion(ctx, version.Version())

	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []interface{}
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	dcontext.SetDefaultLogger(dcontext.GetLogger(ctx))
	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		l = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
	}

	return l
}

// debugHandler serves the health status, the prometheus metrics when
// enabled, and whatever is registered on the default mux.
func debugHandler(config *configuration.Configuration, healthRegistry *health.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/health", healthRegistry.StatusHandler)
	if prom := config.HTTP.Debug.Prometheus; prom.Enabled {
		mux.Handle(prom.Path, metrics.Handler())
	}
	mux.Handle("/", http.DefaultServeMux)
	return mux
}

type connStartKey struct{}

// connectionAgeHandler asks clients to reconnect once their connection has
// been open for longer than maxAge, so load spreads across replicas.
func connectionAgeHandler(maxAge time.Duration, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if start, ok := r.Context().Value(connStartKey{}).(time.Time); ok && time.Since(start) > maxAge {
			w.Header().Set("Connection", "close")
		}
		handler.ServeHTTP(w, r)
	})
}

// panicHandler add a HTTP handler to web app. The handler recover the happening
// panic. logrus.Panic transmits panic message to pre-config log hooks, which is
// defined in config.yml.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logrus.Panic(fmt.Sprintf("%v", err))
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// alive simply wraps the handler with a route that always returns an http 200
// response when the path is matched. If the path is not matched, the request
// is passed to the provided handler. There is no guarantee of anything but
// that the server is up. Wrap with other handlers (such as health.Handler)
// for greater affect.
func alive(path string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ServeHTTP(w, r)
	})
}
