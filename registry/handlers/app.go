package handlers

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/mjl-/bstore"

	"github.com/dockyard/registry/configuration"
	"github.com/dockyard/registry/health"
	"github.com/dockyard/registry/health/checks"
	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/internal/requestutil"
	prometheus "github.com/dockyard/registry/metrics"
	"github.com/dockyard/registry/registry/api/errcode"
	v2 "github.com/dockyard/registry/registry/api/v2"
	"github.com/dockyard/registry/registry/auth"
	"github.com/dockyard/registry/registry/auth/token"
	"github.com/dockyard/registry/registry/pullmetrics"
	"github.com/dockyard/registry/registry/storage"
	storagedriver "github.com/dockyard/registry/registry/storage/driver"
	"github.com/dockyard/registry/registry/storage/driver/factory"
	"github.com/dockyard/registry/registry/storage/metadata"

	_ "github.com/dockyard/registry/registry/auth/htpasswd"
	_ "github.com/dockyard/registry/registry/auth/remote"
)

const (
	defaultCheckInterval = 10 * time.Second

	// keyRotation is advertised with the instance key. Keys are rotated by
	// restarting with a new kid.
	keyRotation = 24 * time.Hour
)

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	router           *mux.Router                 // main application router, configured with dispatchers
	driver           storagedriver.StorageDriver // driver maintains the app global storage driver instance.
	db               *bstore.DB                  // metadata store shared by every repository
	registry         *storage.Registry           // registry is the primary registry backend for the app instance.
	accessController auth.AccessController       // main access controller for application
	serviceKeys      *token.ServiceKeys
	pulls            *pullmetrics.Recorder
	limiter          *rateLimiter

	// httpHost is a parsed representation of the http.host parameter from
	// the configuration. Only the Scheme and Host fields are used.
	httpHost url.URL
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) *App {
	app := &App{
		Config:  config,
		Context: ctx,
		router:  v2.Router(),
	}

	// Register the handler dispatchers.
	app.register(v2.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)
	app.register(v2.RouteNameReferrers, referrersDispatcher)
	app.register(v2.RouteNameTagHistory, tagHistoryDispatcher)
	app.register(v2.RouteNameTagImmutable, tagImmutableDispatcher)
	app.register(v2.RouteNameTagExpiration, tagExpirationDispatcher)

	var err error
	app.driver, err = factory.Create(app, config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		// TODO(stevvooe): Move the creation of a service into a protected
		// method, where this is created lazily. Its status can be queried via
		// a health check.
		panic(err)
	}

	app.db, err = metadata.Open(app, config.Database.Path)
	if err != nil {
		panic(fmt.Sprintf("unable to open metadata database %s: %v", config.Database.Path, err))
	}

	options := []storage.RegistryOption{
		storage.SessionTimeout(config.Uploads.SessionTimeout),
		storage.LinkTTL(config.Uploads.LinkTTL),
		storage.TagHistoryGrace(config.Tags.HistoryGrace),
		storage.MaxBlobSize(config.Uploads.MaxBlobSize),
		storage.QuotaBytes(config.Quota.RepositoryBytes),
	}
	if config.Storage.RedirectEnabled() {
		options = append(options, storage.EnableRedirect)
		dcontext.GetLogger(app).Info("backend redirection enabled")
	}

	app.registry, err = storage.NewRegistry(app, app.db, app.driver, options...)
	if err != nil {
		panic("could not create registry: " + err.Error())
	}

	if config.HTTP.Host != "" {
		u, err := url.Parse(config.HTTP.Host)
		if err != nil {
			panic(fmt.Sprintf(`could not parse http "host" parameter: %v`, err))
		}
		app.httpHost = *u
	}

	if err := app.configureAuth(config); err != nil {
		panic(fmt.Sprintf("unable to configure authorization: %v", err))
	}

	if app.accessController == nil {
		app.register(v2.RouteNameAuth, func(ctx *Context, r *http.Request) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnsupported.WithMessage("token authorization is not configured"))
			})
		})
	}

	if config.PullMetrics.Enabled {
		app.pulls, err = pullmetrics.FromConfig(app, config.PullMetrics)
		if err != nil {
			panic(fmt.Sprintf("unable to configure pull metrics: %v", err))
		}
	}

	if rl := config.HTTP.RateLimit; rl.RequestsPerSecond > 0 {
		app.limiter = newRateLimiter(rl.RequestsPerSecond, rl.Burst)
	}

	return app
}

// configureAuth publishes the instance key and builds the access
// controller and token endpoint. Without an instance key the registry runs
// without authorization.
func (app *App) configureAuth(config *configuration.Configuration) error {
	cfg := config.Auth.Token
	if cfg.KID == "" {
		dcontext.GetLogger(app).Warn("no instance key configured, authorization disabled")
		return nil
	}

	key, err := token.LoadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return err
	}

	issuer, err := token.NewIssuer(token.IssuerOptions{
		Issuer:     cfg.Issuer,
		Service:    cfg.Service,
		KID:        cfg.KID,
		PrivateKey: key,
		Expiration: cfg.Expiration,
	})
	if err != nil {
		return err
	}

	app.serviceKeys = token.NewServiceKeys(app.db, cfg.Service)
	if err := app.publishInstanceKey(cfg, key); err != nil {
		return err
	}

	verifier := token.NewVerifier(token.VerifyOptions{
		Issuer:           cfg.Issuer,
		Service:          cfg.Service,
		MaxSignedSeconds: cfg.MaxSignedSeconds,
		Keys:             token.NewKeyCache(app.serviceKeys, cfg.KeyCacheTTL),
	})
	app.accessController = token.NewAccessController(cfg.Realm, cfg.Service, verifier)

	var source auth.Authenticator
	if identityType := config.Auth.Identity.Type(); identityType != "" {
		source, err = auth.GetIdentitySource(identityType, config.Auth.Identity.Parameters())
		if err != nil {
			return fmt.Errorf("identity source %s: %w", identityType, err)
		}
	}
	authorizer := auth.SelectAuthorizer(auth.ACL(config.Auth.ACL), source)

	server := token.NewServer(cfg.Service, issuer, verifier, source, authorizer)
	app.router.GetRoute(v2.RouteNameAuth).Handler(app.instrument(v2.RouteNameAuth, server))

	dcontext.GetLogger(app).Infof("configured token authorization for service %q with key %s", cfg.Service, cfg.KID)
	return nil
}

func (app *App) publishInstanceKey(cfg configuration.Token, key *rsa.PrivateKey) error {
	expires := time.Now().Add(cfg.KeyExpiration)
	if err := app.serviceKeys.Publish(app, cfg.KID, "instance", &key.PublicKey, expires, keyRotation, true); err != nil {
		return fmt.Errorf("publishing instance key %s: %w", cfg.KID, err)
	}
	return nil
}

// RegisterHealthChecks is an awful hack to defer health check registration
// control to callers. This should only ever be called once per registry
// process, typically in a main function. The correct way would be register
// health checks outside of app, since multiple apps may exist in the same
// process. Because the configuration and app are tightly coupled,
// implementing this properly will require a refactor. This method may panic
// if called twice in the same process.
func (app *App) RegisterHealthChecks(healthRegistries ...*health.Registry) {
	if len(healthRegistries) > 1 {
		panic("RegisterHealthChecks called with more than one registry")
	}
	healthRegistry := health.DefaultRegistry
	if len(healthRegistries) == 1 {
		healthRegistry = healthRegistries[0]
	}

	if app.Config.Health.StorageDriver.Enabled {
		interval := app.Config.Health.StorageDriver.Interval
		if interval == 0 {
			interval = defaultCheckInterval
		}

		storageDriverCheck := checks.StorageDriverChecker(app.driver)
		if app.Config.Health.StorageDriver.Threshold != 0 {
			healthRegistry.RegisterPeriodic(app, "storagedriver_"+app.Config.Storage.Type(), storageDriverCheck, interval, app.Config.Health.StorageDriver.Threshold)
		} else {
			healthRegistry.RegisterPeriodic(app, "storagedriver_"+app.Config.Storage.Type(), storageDriverCheck, interval, 1)
		}
	}

	healthRegistry.Register("metadata", checks.DBChecker(app.db))

	if app.pulls != nil {
		if sink := app.pulls.Redis(); sink != nil {
			healthRegistry.Register("pullmetrics_redis", checks.RedisChecker(sink.Client()))
		}
		if sink := app.pulls.Postgres(); sink != nil {
			healthRegistry.Register("pullmetrics_postgres", checks.PingChecker(sink.DB()))
		}
	}
}

// Registry returns the storage registry the app serves.
func (app *App) Registry() *storage.Registry {
	return app.registry
}

// Close stops the pull metric workers and closes the metadata database.
func (app *App) Close(ctx context.Context) error {
	var errs []error
	if app.pulls != nil {
		errs = append(errs, app.pulls.Close(ctx))
	}
	errs = append(errs, app.db.Close())
	return errors.Join(errs...)
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	handler := app.dispatcher(dispatch)

	// Chain the handler with prometheus instrumented handler
	handler = app.instrument(routeName, handler)

	// TODO(stevvooe): This odd dispatcher/route registration is by-product of
	// some limitations in the gorilla/mux router. We are using it to keep
	// routing consistent between the client and server, but we may want to
	// replace it with manual routing and structure-based dispatch for better
	// control over the request execution.
	app.router.GetRoute(routeName).Handler(handler)
}

// instrument counts the requests served on a route by status class.
func (app *App) instrument(routeName string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)

		status, _ := r.Context().Value("http.response.status").(int)
		if status == 0 {
			status = http.StatusOK
		}
		prometheus.HTTPRequests.WithValues(routeName, fmt.Sprintf("%dxx", status/100)).Inc(1)
	})
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	// Prepare the context with our own little decorations.
	ctx := r.Context()
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	ctx = dcontext.WithLogger(ctx, dcontext.GetRequestLogger(ctx))
	r = r.WithContext(ctx)

	// Set a header with the Docker Distribution API Version for all responses.
	w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Docker-Request-Id", dcontext.GetRequestID(ctx))

	if app.limiter != nil && !app.limiter.Allow(requestutil.RemoteIP(r)) {
		dcontext.GetLogger(ctx).Warn("rate limit exceeded")
		if err := errcode.ServeJSON(w, errcode.ErrorCodeTooManyRequests); err != nil {
			dcontext.GetLogger(ctx).Errorf("error serving error json: %v", err)
		}
		return
	}

	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for headerName, headerValues := range app.Config.HTTP.Headers {
			for _, value := range headerValues {
				w.Header().Add(headerName, value)
			}
		}

		context := app.context(w, r)

		defer func() {
			// Automated error response handling here. Handlers may return their
			// own errors if they need different behavior (such as range errors
			// for layer upload).
			if context.Errors.Len() > 0 {
				if err := errcode.ServeJSON(w, context.Errors); err != nil {
					dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
				}

				app.logError(context, context.Errors)
			} else if status, ok := context.Value("http.response.status").(int); ok && status >= 200 && status <= 399 {
				dcontext.GetResponseLogger(context).Infof("response completed")
			}
		}()

		if err := app.authorized(w, r, context); err != nil {
			dcontext.GetLogger(context).Warnf("error authorizing context: %v", err)
			return
		}

		// Add username to request logging
		context.Context = auth.WithUserLogger(context.Context)

		// sync up context on the request.
		r = r.WithContext(context)

		if app.nameRequired(r) {
			repository, err := app.registry.Repository(context, getName(context))
			if err != nil {
				dcontext.GetLogger(context).Errorf("error resolving repository: %v", err)
				context.Errors = append(context.Errors, context.apiError(err))
				return
			}
			context.Repository = repository
		}

		dispatch(context, r).ServeHTTP(w, r)
	})
}

// logError logs the client errors of a request at info level and server
// errors at error level.
func (app *App) logError(ctx context.Context, errs errcode.Errors) {
	for _, e := range errs {
		var internal errcode.InternalError
		if errors.As(e, &internal) {
			dcontext.GetLoggerWithField(ctx, "err.detail", internal.Err).Error("response completed with internal error")
			continue
		}

		logger := dcontext.GetLogger(ctx)
		if coded, ok := e.(errcode.Error); ok {
			logger = dcontext.GetLoggerWithFields(ctx, map[any]any{
				"err.code":    coded.Code,
				"err.message": coded.Message,
				"err.detail":  fmt.Sprint(coded.Detail),
			})
		}
		logger.Infof("response completed with error: %v", e)
	}
}

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	ctx := r.Context()
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx,
		"vars.name",
		"vars.reference",
		"vars.digest",
		"vars.uuid",
		"vars.tag"))

	context := &Context{
		App:     app,
		Context: ctx,
	}

	if app.httpHost.Scheme != "" && app.httpHost.Host != "" {
		// A "host" item in the configuration takes precedence over
		// X-Forwarded-Proto and X-Forwarded-Host headers, and the
		// hostname in the request.
		context.urlBuilder = v2.NewURLBuilder(&app.httpHost, app.Config.HTTP.RelativeURLs)
	} else {
		context.urlBuilder = v2.NewURLBuilderFromRequest(r, app.Config.HTTP.RelativeURLs)
	}

	return context
}

// authorized checks if the request can proceed with access to the requested
// repository. If it succeeds, the context may access the requested
// repository. An error will be returned if access is not available.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, context *Context) error {
	dcontext.GetLogger(context).Debug("authorizing request")
	repo := getName(context)

	if app.accessController == nil {
		return nil // access controller is not enabled.
	}

	var accessRecords []auth.Access

	if repo != "" {
		// Pull on the source of a cross repository mount is checked by the
		// upload handler against the grant; without it the mount is skipped.
		accessRecords = appendAccessRecords(accessRecords, r, repo)
	} else {
		// Only allow the name not to be set on the base route.
		if app.nameRequired(r) {
			// For this to be properly secured, repo must always be set for a
			// resource that may make a modification. The only condition under
			// which name is not set and we still allow access is when the
			// base route is accessed. This section prevents us from making
			// that mistake elsewhere in the code, allowing any operation to
			// proceed.
			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}
			return fmt.Errorf("forbidden: no repository name")
		}
		accessRecords = appendCatalogAccessRecord(accessRecords, r)
	}

	grant, err := app.accessController.Authorized(r.WithContext(context.Context), accessRecords...)
	if err != nil {
		prometheus.TokenVerifications.WithValues("rejected").Inc(1)
		var challenge auth.Challenge
		if errors.As(err, &challenge) {
			// Add the appropriate WWW-Auth header
			challenge.SetHeaders(r, w)

			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithDetail(accessRecords)); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}
		} else {
			// This condition is a potential security problem either in
			// the configuration or whatever is backing the access
			// controller. Just return a bad request with no information
			// to avoid exposure. The request should not proceed.
			dcontext.GetLogger(context).Errorf("error checking authorization: %v", err)
			w.WriteHeader(http.StatusBadRequest)
		}

		return err
	}
	prometheus.TokenVerifications.WithValues("accepted").Inc(1)

	dcontext.GetLogger(context).Infof("authorized request")
	// TODO(stevvooe): This pattern needs to be cleaned up a bit. One context
	// should be replaced by another, rather than replacing the context on a
	// mutable object.
	context.Context = auth.WithUser(context.Context, grant.User)
	context.grant = grant

	return nil
}

// nameRequired returns true if the route requires a name.
func (app *App) nameRequired(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return true
	}
	routeName := route.GetName()
	return routeName != v2.RouteNameBase && routeName != v2.RouteNameCatalog && routeName != v2.RouteNameAuth
}

// apiBase implements a simple yes-man for doing overall checks against the
// api. This can support auth roundtrips to support docker login.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	// Provide a simple /v2/ 200 OK response with empty json response.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

// appendAccessRecords adds the access the route and method of r need on
// repo to records.
func appendAccessRecords(records []auth.Access, r *http.Request, repo string) []auth.Access {
	resource := auth.Resource{
		Type: "repository",
		Name: repo,
	}

	var routeName string
	if route := mux.CurrentRoute(r); route != nil {
		routeName = route.GetName()
	}

	scope, _ := v2.MethodScope(routeName, r.Method)
	switch scope {
	case v2.ScopePull:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "pull",
			})
	case v2.ScopePush:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "push",
			})
	case v2.ScopeAdmin:
		// Tag immutability requires full admin rights, which is
		// represented as "*".
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "*",
			})
	}
	return records
}

// appendCatalogAccessRecord adds the access record for the catalog if it is being accessed
func appendCatalogAccessRecord(accessRecords []auth.Access, r *http.Request) []auth.Access {
	route := mux.CurrentRoute(r)
	if route == nil || route.GetName() != v2.RouteNameCatalog {
		return accessRecords
	}

	return append(accessRecords, auth.Access{
		Resource: auth.Resource{
			Type: "registry",
			Name: "catalog",
		},
		Action: "*",
	})
}
