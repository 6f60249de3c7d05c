package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "registry"
)

var (
	// StorageNamespace is the prometheus namespace of storage driver and
	// blob related operations
	StorageNamespace = metrics.NewNamespace(NamespacePrefix, "storage", nil)

	// HTTPNamespace is the prometheus namespace of the API surface
	HTTPNamespace = metrics.NewNamespace(NamespacePrefix, "http", nil)

	// UploadsNamespace is the prometheus namespace of upload sessions
	UploadsNamespace = metrics.NewNamespace(NamespacePrefix, "uploads", nil)

	// AuthNamespace is the prometheus namespace of token verification and
	// issuance
	AuthNamespace = metrics.NewNamespace(NamespacePrefix, "auth", nil)

	// PullMetricsNamespace is the prometheus namespace of the pull
	// statistics pipeline
	PullMetricsNamespace = metrics.NewNamespace(NamespacePrefix, "pullmetrics", nil)

	// GCNamespace is the prometheus namespace of background collection
	GCNamespace = metrics.NewNamespace(NamespacePrefix, "gc", nil)
)

var (
	// StorageActionTimer times storage driver calls by driver and method.
	StorageActionTimer = StorageNamespace.NewLabeledTimer("action", "The number of seconds that the storage action takes", "driver", "action")

	// HTTPRequests counts served requests by route and status class.
	HTTPRequests = HTTPNamespace.NewLabeledCounter("requests", "The number of requests served", "route", "status")

	// UploadsOpen tracks upload sessions opened, committed and cancelled.
	UploadsOpen = UploadsNamespace.NewLabeledCounter("sessions", "The number of upload session transitions", "state")

	// UploadBytes counts bytes accepted into upload sessions.
	UploadBytes = UploadsNamespace.NewCounter("bytes", "The number of bytes accepted into upload sessions")

	// TokenVerifications counts token checks by outcome.
	TokenVerifications = AuthNamespace.NewLabeledCounter("verifications", "The number of bearer token verifications", "result")

	// TokensIssued counts tokens issued by the token endpoint.
	TokensIssued = AuthNamespace.NewCounter("issued", "The number of tokens issued")

	// PullEvents counts pull events by outcome.
	PullEvents = PullMetricsNamespace.NewLabeledCounter("events", "The number of pull events", "result")

	// GCRuns counts collection passes by outcome.
	GCRuns = GCNamespace.NewLabeledCounter("runs", "The number of collection passes", "result")

	// GCRemoved counts records and blobs removed by collection, by kind.
	GCRemoved = GCNamespace.NewLabeledCounter("removed", "The number of items removed by collection", "kind")
)

func init() {
	metrics.Register(StorageNamespace)
	metrics.Register(HTTPNamespace)
	metrics.Register(UploadsNamespace)
	metrics.Register(AuthNamespace)
	metrics.Register(PullMetricsNamespace)
	metrics.Register(GCNamespace)
}
