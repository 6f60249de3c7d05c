package configuration

import (
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"
)

// Configuration is a versioned registry configuration, intended to be provided by a yaml file, and
// optionally modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used
// in environment variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log Log `yaml:"log"`

	// Storage is the configuration for the registry's storage driver
	Storage Storage `yaml:"storage"`

	// Database configures the metadata store holding repositories, blob
	// links, manifests, tags, upload sessions and service keys.
	Database Database `yaml:"database,omitempty"`

	// Auth configures token issuance and verification.
	Auth Auth `yaml:"auth,omitempty"`

	// HTTP contains configuration parameters for the registry's http
	// interface.
	HTTP HTTP `yaml:"http,omitempty"`

	// Uploads controls upload session lifetimes and blob size limits.
	Uploads Uploads `yaml:"uploads,omitempty"`

	// Tags controls tag history retention.
	Tags Tags `yaml:"tags,omitempty"`

	// Quota limits the bytes a repository may reference.
	Quota Quota `yaml:"quota,omitempty"`

	// GC configures the background collection of unreferenced data.
	GC GC `yaml:"gc,omitempty"`

	// PullMetrics configures the recording of tag and manifest pulls.
	PullMetrics PullMetrics `yaml:"pullmetrics,omitempty"`

	// Reporting is the configuration for error reporting
	Reporting Reporting `yaml:"reporting,omitempty"`

	// Health provides the configuration section for health checks.
	Health Health `yaml:"health,omitempty"`
}

// Log configures the logging subsystem.
type Log struct {
	// AccessLog configures access logging.
	AccessLog struct {
		// Disabled disables access logging.
		Disabled bool `yaml:"disabled,omitempty"`

		// Formatter selects "combined" (the default) or "json" lines.
		Formatter string `yaml:"formatter,omitempty"`
	} `yaml:"accesslog,omitempty"`

	// Level is the granularity at which registry operations are logged.
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter overrides the default formatter with another. Options
	// include "text", "json" and "logstash".
	Formatter string `yaml:"formatter,omitempty"`

	// Fields allows users to specify static string fields to include in
	// the logger context.
	Fields map[string]interface{} `yaml:"fields,omitempty"`

	// ReportCaller allows user to configure the log to report the caller
	ReportCaller bool `yaml:"reportcaller,omitempty"`
}

// Database configures the metadata store.
type Database struct {
	// Path is the bolt database file.
	Path string `yaml:"path,omitempty"`
}

// Auth holds the token service and the identity source.
type Auth struct {
	// Token configures the bearer token issuer and verifier.
	Token Token `yaml:"token,omitempty"`

	// Identity selects the source that authenticates principals, such as
	// htpasswd or remote.
	Identity Identity `yaml:"identity,omitempty"`

	// ACL entitles accounts to actions on repositories. When empty, every
	// authenticated principal is granted what it asks for.
	ACL []ACLEntry `yaml:"acl,omitempty"`
}

// Token configures tokens issued at /v2/auth and verified on every request.
type Token struct {
	// Realm is the URL advertised in the bearer challenge. When empty it is
	// derived from the request host.
	Realm string `yaml:"realm,omitempty"`

	// Service is the audience of issued tokens.
	Service string `yaml:"service,omitempty"`

	// Issuer is the iss claim of issued tokens.
	Issuer string `yaml:"issuer,omitempty"`

	// KID identifies the instance signing key.
	KID string `yaml:"kid,omitempty"`

	// PrivateKey is the path of the PEM encoded RSA instance key.
	PrivateKey string `yaml:"privatekey,omitempty"`

	// Expiration is the lifetime of issued tokens.
	Expiration time.Duration `yaml:"expiration,omitempty"`

	// MaxSignedSeconds bounds exp - iat of any accepted token.
	MaxSignedSeconds int64 `yaml:"maxsignedseconds,omitempty"`

	// KeyCacheTTL is how long verifying keys are cached before they are
	// read again from the metadata store.
	KeyCacheTTL time.Duration `yaml:"keycachettl,omitempty"`

	// KeyExpiration is the lifetime of the published instance key.
	KeyExpiration time.Duration `yaml:"keyexpiration,omitempty"`
}

// ACLEntry grants actions on repositories matching Name to Account. Both
// may use path.Match patterns.
type ACLEntry struct {
	Account string   `yaml:"account"`
	Name    string   `yaml:"name"`
	Actions []string `yaml:"actions"`
}

// HTTP contains configuration parameters for the registry's http interface.
type HTTP struct {
	// Addr specifies the bind address for the registry instance.
	Addr string `yaml:"addr,omitempty"`

	// Host specifies an externally-reachable address for the registry, as a fully
	// qualified URL.
	Host string `yaml:"host,omitempty"`

	// RelativeURLs specifies that relative URLs should be returned in
	// Location headers
	RelativeURLs bool `yaml:"relativeurls,omitempty"`

	// Amount of time to wait for connection to drain before shutting down when registry
	// receives a stop signal
	DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`

	// MaxConnectionAge closes connections that have been open longer.
	MaxConnectionAge time.Duration `yaml:"maxconnectionage,omitempty"`

	// TLS instructs the http server to listen with a TLS configuration.
	// This only support simple tls configuration with a cert and key.
	// Mostly, this is useful for testing situations or simple deployments
	// that require tls. If more complex configurations are required, use
	// a proxy or make a proposal to add support here.
	TLS struct {
		// Certificate specifies the path to an x509 certificate file to
		// be used for TLS.
		Certificate string `yaml:"certificate,omitempty"`

		// Key specifies the path to the x509 key file, which should
		// contain the private portion for the file specified in
		// Certificate.
		Key string `yaml:"key,omitempty"`

		// Specifies the CA certs for client authentication
		// A file may contain multiple CA certificates encoded as PEM
		ClientCAs []string `yaml:"clientcas,omitempty"`

		// Specifies the lowest TLS version allowed
		MinimumTLS string `yaml:"minimumtls,omitempty"`
	} `yaml:"tls,omitempty"`

	// Headers is a set of headers to include in HTTP responses. A common
	// use case for this would be security headers such as
	// Strict-Transport-Security. The map keys are the header names, and
	// the values are the associated header payloads.
	Headers http.Header `yaml:"headers,omitempty"`

	// Debug configures the http debug interface, if specified. This can
	// include services such as pprof, expvar and other data that should
	// not be exposed externally. Left disabled by default.
	Debug struct {
		// Addr specifies the bind address for the debug server.
		Addr string `yaml:"addr,omitempty"`
		// Prometheus configures the Prometheus telemetry endpoint.
		Prometheus struct {
			Enabled bool   `yaml:"enabled,omitempty"`
			Path    string `yaml:"path,omitempty"`
		} `yaml:"prometheus,omitempty"`
	} `yaml:"debug,omitempty"`

	// RateLimit bounds requests per remote address. Disabled when
	// RequestsPerSecond is zero.
	RateLimit struct {
		RequestsPerSecond float64 `yaml:"requestspersecond,omitempty"`
		Burst             int     `yaml:"burst,omitempty"`
	} `yaml:"ratelimit,omitempty"`
}

// Uploads controls blob upload sessions.
type Uploads struct {
	// SessionTimeout is the inactivity deadline of an open session.
	SessionTimeout time.Duration `yaml:"sessiontimeout,omitempty"`

	// StagingTTL is the age after which orphaned staging data is removed.
	StagingTTL time.Duration `yaml:"stagingttl,omitempty"`

	// LinkTTL is the lifetime of a blob link created by an upload or a
	// mount until a manifest references the blob.
	LinkTTL time.Duration `yaml:"linkttl,omitempty"`

	// Retention is how long closed session records are kept.
	Retention time.Duration `yaml:"retention,omitempty"`

	// MaxBlobSize rejects blobs larger than this many bytes. Zero means
	// unlimited.
	MaxBlobSize int64 `yaml:"maxblobsize,omitempty"`
}

// Tags controls tag history.
type Tags struct {
	// HistoryGrace is how long closed tag rows are kept.
	HistoryGrace time.Duration `yaml:"historygrace,omitempty"`
}

// Quota limits repository usage.
type Quota struct {
	// RepositoryBytes is the total linked blob size a repository may
	// reach. Zero means unlimited.
	RepositoryBytes int64 `yaml:"repositorybytes,omitempty"`
}

// GC configures background collection.
type GC struct {
	Enabled  bool          `yaml:"enabled,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`

	// BlobGrace is how long a blob must be unreferenced before its bytes
	// are removed.
	BlobGrace time.Duration `yaml:"blobgrace,omitempty"`

	// DeleteUntagged removes manifests that no tag or index references.
	DeleteUntagged bool `yaml:"deleteuntagged,omitempty"`
}

// PullMetrics configures pull statistics.
type PullMetrics struct {
	Enabled   bool `yaml:"enabled,omitempty"`
	Workers   int  `yaml:"workers,omitempty"`
	QueueSize int  `yaml:"queuesize,omitempty"`

	// Redis selects the redis sink when Addr is set.
	Redis struct {
		Addr     string `yaml:"addr,omitempty"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db,omitempty"`
	} `yaml:"redis,omitempty"`

	// Postgres selects the postgres sink when DSN is set.
	Postgres struct {
		DSN string `yaml:"dsn,omitempty"`
	} `yaml:"postgres,omitempty"`
}

// Health provides the configuration section for health checks.
type Health struct {
	// StorageDriver configures a health check on the configured storage
	// driver
	StorageDriver struct {
		// Enabled turns on the health check for the storage driver
		Enabled bool `yaml:"enabled,omitempty"`
		// Interval is the duration in between checks
		Interval time.Duration `yaml:"interval,omitempty"`
		// Threshold is the number of times a check must fail to trigger an
		// unhealthy state
		Threshold int `yaml:"threshold,omitempty"`
	} `yaml:"storagedriver,omitempty"`
}

// Reporting defines error reporting methods.
type Reporting struct {
	// Bugsnag configures error reporting for Bugsnag (bugsnag.com).
	Bugsnag BugsnagReporting `yaml:"bugsnag,omitempty"`
	// NewRelic configures error reporting for NewRelic (newrelic.com)
	NewRelic NewRelicReporting `yaml:"newrelic,omitempty"`
}

// BugsnagReporting configures error reporting for Bugsnag (bugsnag.com).
type BugsnagReporting struct {
	// APIKey is the Bugsnag api key.
	APIKey string `yaml:"apikey,omitempty"`
	// ReleaseStage tracks where the registry is deployed.
	// Examples: production, staging, development
	ReleaseStage string `yaml:"releasestage,omitempty"`
	// Endpoint is used for specifying an enterprise Bugsnag endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// NewRelicReporting configures error reporting for NewRelic (newrelic.com)
type NewRelicReporting struct {
	// LicenseKey is the NewRelic user license key
	LicenseKey string `yaml:"licensekey,omitempty"`
	// Name is the component name of the registry in NewRelic
	Name string `yaml:"name,omitempty"`
	// Verbose configures debug output to STDOUT
	Verbose bool `yaml:"verbose,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct
// This is currently aliased to Configuration, as it is the current version
type v0_1Configuration Configuration

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which registry operations are logged.
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface
// Unmarshals a string into a Loglevel, lowercasing the string and validating that it represents a
// valid loglevel
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	err := unmarshal(&loglevelString)
	if err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// Storage defines the configuration for registry object storage. Besides the
// single driver entry it may carry a "redirect" section.
type Storage map[string]Parameters

// Type returns the storage driver type, such as filesystem or s3
func (storage Storage) Type() string {
	var storageType []string

	for k := range storage {
		switch k {
		case "redirect":
			// allow configuration of redirect
		default:
			storageType = append(storageType, k)
		}
	}
	if len(storageType) > 1 {
		panic("multiple storage drivers specified in configuration or environment: " + strings.Join(storageType, ", "))
	}
	if len(storageType) == 1 {
		return storageType[0]
	}
	return ""
}

// Parameters returns the Parameters map for a Storage configuration
func (storage Storage) Parameters() Parameters {
	return storage[storage.Type()]
}

// setParameter changes the parameter at the provided key to the new value
func (storage Storage) setParameter(key string, value interface{}) {
	storage[storage.Type()][key] = value
}

// RedirectEnabled reports whether blob GETs may answer with a redirect to
// the backend.
func (storage Storage) RedirectEnabled() bool {
	enabled, _ := storage["redirect"]["enabled"].(bool)
	return enabled
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a single item map into a Storage or a string into a Storage type with no parameters
func (storage *Storage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var storageMap map[string]Parameters
	err := unmarshal(&storageMap)
	if err == nil {
		if len(storageMap) > 1 {
			types := make([]string, 0, len(storageMap))
			for k := range storageMap {
				switch k {
				case "redirect":
					// allow configuration of redirect
				default:
					types = append(types, k)
				}
			}

			if len(types) > 1 {
				return fmt.Errorf("must provide exactly one storage type. Provided: %v", types)
			}
		}
		*storage = storageMap
		return nil
	}

	var storageType string
	err = unmarshal(&storageType)
	if err == nil {
		*storage = Storage{storageType: Parameters{}}
		return nil
	}

	return err
}

// MarshalYAML implements the yaml.Marshaler interface
func (storage Storage) MarshalYAML() (interface{}, error) {
	if storage.Parameters() == nil {
		return storage.Type(), nil
	}
	return map[string]Parameters(storage), nil
}

// Identity selects the identity source authenticating principals.
type Identity map[string]Parameters

// Type returns the identity source type, such as htpasswd or remote
func (identity Identity) Type() string {
	// Return only key in this map
	for k := range identity {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for an Identity configuration
func (identity Identity) Parameters() Parameters {
	return identity[identity.Type()]
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a single item map into an Identity or a string into an Identity
// type with no parameters
func (identity *Identity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var m map[string]Parameters
	err := unmarshal(&m)
	if err == nil {
		if len(m) > 1 {
			types := make([]string, 0, len(m))
			for k := range m {
				types = append(types, k)
			}

			return fmt.Errorf("must provide exactly one identity type. Provided: %v", types)
		}
		*identity = m
		return nil
	}

	var identityType string
	err = unmarshal(&identityType)
	if err == nil {
		*identity = Identity{identityType: Parameters{}}
		return nil
	}

	return err
}

// MarshalYAML implements the yaml.Marshaler interface
func (identity Identity) MarshalYAML() (interface{}, error) {
	if identity.Parameters() == nil {
		return identity.Type(), nil
	}
	return map[string]Parameters(identity), nil
}

// Defaults for values left unset.
const (
	defaultTokenExpiration   = time.Hour
	defaultMaxSignedSeconds  = 3600
	defaultKeyCacheTTL       = time.Minute
	defaultKeyExpiration     = 30 * 24 * time.Hour
	defaultSessionTimeout    = 30 * time.Minute
	defaultStagingTTL        = time.Hour
	defaultLinkTTL           = 24 * time.Hour
	defaultUploadRetention   = 24 * time.Hour
	defaultTagHistoryGrace   = 14 * 24 * time.Hour
	defaultGCInterval        = time.Hour
	defaultBlobGrace         = 2 * time.Hour
	defaultPullMetricWorkers = 4
	defaultPullMetricQueue   = 1024
)

func (c *v0_1Configuration) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = Loglevel("info")
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":5000"
	}
	if c.Database.Path == "" {
		c.Database.Path = "registry.db"
	}
	if c.Auth.Token.Service == "" {
		c.Auth.Token.Service = "registry"
	}
	if c.Auth.Token.Issuer == "" {
		c.Auth.Token.Issuer = "registry-token-issuer"
	}
	if c.Auth.Token.Expiration == 0 {
		c.Auth.Token.Expiration = defaultTokenExpiration
	}
	if c.Auth.Token.MaxSignedSeconds == 0 {
		c.Auth.Token.MaxSignedSeconds = defaultMaxSignedSeconds
	}
	if c.Auth.Token.KeyCacheTTL == 0 {
		c.Auth.Token.KeyCacheTTL = defaultKeyCacheTTL
	}
	if c.Auth.Token.KeyExpiration == 0 {
		c.Auth.Token.KeyExpiration = defaultKeyExpiration
	}
	if c.Uploads.SessionTimeout == 0 {
		c.Uploads.SessionTimeout = defaultSessionTimeout
	}
	if c.Uploads.StagingTTL == 0 {
		c.Uploads.StagingTTL = defaultStagingTTL
	}
	if c.Uploads.LinkTTL == 0 {
		c.Uploads.LinkTTL = defaultLinkTTL
	}
	if c.Uploads.Retention == 0 {
		c.Uploads.Retention = defaultUploadRetention
	}
	if c.Tags.HistoryGrace == 0 {
		c.Tags.HistoryGrace = defaultTagHistoryGrace
	}
	if c.GC.Interval == 0 {
		c.GC.Interval = defaultGCInterval
	}
	if c.GC.BlobGrace == 0 {
		c.GC.BlobGrace = defaultBlobGrace
	}
	if c.PullMetrics.Workers == 0 {
		c.PullMetrics.Workers = defaultPullMetricWorkers
	}
	if c.PullMetrics.QueueSize == 0 {
		c.PullMetrics.QueueSize = defaultPullMetricQueue
	}
	if c.HTTP.Debug.Prometheus.Enabled && c.HTTP.Debug.Prometheus.Path == "" {
		c.HTTP.Debug.Prometheus.Path = "/metrics"
	}
}

func (c *v0_1Configuration) validate() error {
	if c.Storage.Type() == "" {
		return fmt.Errorf("no storage configuration provided")
	}
	if time.Duration(c.Auth.Token.MaxSignedSeconds)*time.Second < c.Auth.Token.Expiration {
		return fmt.Errorf("auth.token.expiration %s exceeds auth.token.maxsignedseconds %d", c.Auth.Token.Expiration, c.Auth.Token.MaxSignedSeconds)
	}
	if (c.Auth.Token.KID == "") != (c.Auth.Token.PrivateKey == "") {
		return fmt.Errorf("auth.token.kid and auth.token.privatekey must be set together")
	}
	for i, entry := range c.Auth.ACL {
		if entry.Account == "" || entry.Name == "" {
			return fmt.Errorf("auth.acl[%d]: account and name are required", i)
		}
	}
	switch c.Log.AccessLog.Formatter {
	case "", "combined", "json":
	default:
		return fmt.Errorf("unsupported access log formatter: %q", c.Log.AccessLog.Formatter)
	}
	if c.Uploads.MaxBlobSize < 0 || c.Quota.RepositoryBytes < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	return nil
}

// Parse parses an input configuration yaml document into a Configuration struct
// This should generally be capable of handling old configuration format versions
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of REGISTRY_ABC,
// Configuration.Abc.Xyz may be replaced by the value of REGISTRY_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("registry", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				if v0_1, ok := c.(*v0_1Configuration); ok {
					v0_1.applyDefaults()
					if err := v0_1.validate(); err != nil {
						return nil, err
					}
					return (*Configuration)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	err = p.Parse(in, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
