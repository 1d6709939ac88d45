package handler

import (
	"errors"
	"net/url"
	"os"
	"regexp"
	"time"

	"golang.org/x/exp/slog"
)

// Config provides a way to configure the Handler depending on your needs.
type Config struct {
	// StoreComposer points to the store composer from which the core data store
	// and optional dependencies should be taken.
	StoreComposer *StoreComposer
	// MaxSize defines how many bytes may be stored in one single upload. If its
	// value is is 0 or smaller no limit will be enforced.
	MaxSize int64
	// BasePath defines the URL path used for handling uploads, e.g. "/files/".
	// If no trailing slash is presented it will be added. You may specify an
	// absolute URL containing a scheme, e.g. "http://tus.io"
	BasePath string
	isAbs    bool
	// DisableDownload indicates whether the server will refuse downloads of the
	// uploaded file, by not mounting the GET handler.
	DisableDownload bool
	// DisableTermination indicates whether the server will refuse termination
	// requests of the uploaded file, by not mounting the DELETE handler.
	DisableTermination bool
	// Cors can be used to customize the handling of Cross-Origin Resource Sharing (CORS).
	// See the CorsConfig struct for more details.
	// Defaults to DefaultCorsConfig.
	Cors *CorsConfig
	// Expiration configures after which time incomplete uploads are considered
	// abandoned. A nil value disables expiration entirely.
	Expiration *Expiration
	// NotifyTerminatedUploads indicates whether sending notifications about
	// terminated uploads using the TerminatedUploads channel should be enabled.
	NotifyTerminatedUploads bool
	// NotifyUploadProgress indicates whether sending notifications about
	// the upload progress using the UploadProgress channel should be enabled.
	NotifyUploadProgress bool
	// NotifyCreatedUploads indicates whether sending notifications about
	// the upload having been created using the CreatedUploads channel should be enabled.
	NotifyCreatedUploads bool
	// UploadProgressInterval specifies the interval at which the upload progress
	// notifications are sent to the UploadProgress channel, if enabled.
	// Defaults to 1s.
	UploadProgressInterval time.Duration
	// DeletePartialUploadsOnConcat indicates whether the partial uploads are
	// terminated once they have been concatenated into a final upload. By
	// default they are retained until they are deleted or expire.
	DeletePartialUploadsOnConcat bool
	// AcquireLockTimeout is the duration that a request waits to acquire the
	// upload lock before giving up with ErrLockTimeout. Defaults to 20s.
	AcquireLockTimeout time.Duration
	// GracefulRequestCompletionTimeout is the timeout for operations to complete after a
	// request has been closed by the client, e.g. for rolling back a partially received
	// chunk. Defaults to 10s.
	GracefulRequestCompletionTimeout time.Duration
	// InterruptConflictingUploads indicates whether a request holding an upload
	// lock is interrupted when another request asks for the same lock. If
	// disabled (the default), the other request waits until the lock is released
	// or AcquireLockTimeout is reached.
	InterruptConflictingUploads bool
	// Logger is the logger to use internally, mostly for printing requests.
	Logger *slog.Logger
	// Respect the X-Forwarded-Host, X-Forwarded-Proto and Forwarded headers
	// potentially set by proxies when generating an absolute URL in the
	// response to POST requests.
	RespectForwardedHeaders bool
	// PreUploadCreateCallback will be invoked before a new upload is created, if the
	// property is supplied. If the callback returns no error, the upload will be created
	// and optional values from HTTPResponse will be contained in the HTTP response.
	// Furthermore, updated metadata can be returned by the hook.
	// If the error is non-nil, the upload will not be created. This can be used to implement
	// validation of upload metadata etc. Furthermore, HTTPResponse will be ignored and
	// the error value can contain values for the HTTP response.
	PreUploadCreateCallback func(hook HookEvent) (HTTPResponse, FileInfoChanges, error)
	// PreFinishResponseCallback will be invoked after an upload is completed but before
	// a response is returned to the client. This can be used to implement post-processing validation.
	// If the callback returns no error, optional values from HTTPResponse will be contained in the HTTP response.
	// If the error is non-nil, the error will be forwarded to the client. Furthermore,
	// HTTPResponse will be ignored and the error value can contain values for the HTTP response.
	PreFinishResponseCallback func(hook HookEvent) (HTTPResponse, error)
	// CompleteUploadCallback is invoked synchronously, exactly once, when an
	// upload transitions to the completed state, before the append (or
	// concatenation) is acknowledged. Its error is logged and counted but never
	// returned to the client, since the data has already been stored.
	CompleteUploadCallback func(hook HookEvent) error
	// Now returns the current time. It is used for the upload timestamps and
	// expiration checks. Defaults to time.Now.
	Now func() time.Time
}

// CorsConfig provides a way to customize the the handling of Cross-Origin
// Resource Sharing (CORS).
// More details about CORS are available at https://developer.mozilla.org/en-US/docs/Web/HTTP/CORS.
type CorsConfig struct {
	// Disable instructs the handler to ignore all CORS-related headers and never set a
	// CORS-related header in a response. This is useful if CORS is already handled by a proxy.
	Disable bool
	// AllowOrigin is a regular expression used to check if a request is allowed to participate in the
	// CORS protocol. If the request's Origin header matches the regular expression, CORS is allowed.
	// If not, a 403 Forbidden response is sent, rejecting the CORS request.
	AllowOrigin *regexp.Regexp
	// AllowCredentials defines whether the `Access-Control-Allow-Credentials: true` header should be
	// included in CORS responses. This allows clients to share credentials using cookies or
	// authorization headers with the server.
	AllowCredentials bool
	// AllowMethods is a comma-separated list of HTTP methods that are allowed to be used in CORS
	// requests. This is included in the `Access-Control-Allow-Methods` header for preflight requests.
	AllowMethods string
	// AllowHeaders is a comma-separated list of headers that are allowed to be included in CORS
	// requests. This is included in the `Access-Control-Allow-Headers` header for preflight requests.
	AllowHeaders string
	// MaxAge is the number of seconds for which the results of a preflight request may be cached.
	// This is included in the `Access-Control-Max-Age` header for preflight requests.
	MaxAge string
	// ExposeHeaders is a comma-separated list of headers that are exposed to the client
	// in CORS responses. This is included in the `Access-Control-Expose-Headers` header.
	ExposeHeaders string
}

// DefaultCorsConfig is the configuration that will be used if none is provided.
var DefaultCorsConfig = CorsConfig{
	Disable:          false,
	AllowOrigin:      regexp.MustCompile(".*"),
	AllowCredentials: false,
	AllowMethods:     "POST, HEAD, PATCH, OPTIONS, GET, DELETE",
	AllowHeaders:     "Authorization, Origin, X-Requested-With, X-Request-ID, X-HTTP-Method-Override, Content-Type, Upload-Length, Upload-Offset, Tus-Resumable, Upload-Metadata, Upload-Defer-Length, Upload-Concat",
	MaxAge:           "86400",
	ExposeHeaders:    "Upload-Offset, Location, Upload-Length, Tus-Version, Tus-Resumable, Tus-Max-Size, Tus-Extension, Upload-Metadata, Upload-Defer-Length, Upload-Concat, Upload-Expires",
}

func (config *Config) validate() error {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	base := config.BasePath
	uri, err := url.Parse(base)
	if err != nil {
		return err
	}

	// Ensure base path ends with slash to remove logic from absFileURL
	if base != "" && string(base[len(base)-1]) != "/" {
		base += "/"
	}

	// Ensure base path begins with slash if not absolute (starts with scheme)
	if !uri.IsAbs() && len(base) > 0 && string(base[0]) != "/" {
		base = "/" + base
	}
	config.BasePath = base
	config.isAbs = uri.IsAbs()

	if config.StoreComposer == nil {
		return errors.New("tusdisk: StoreComposer must no be nil")
	}

	if config.StoreComposer.Core == nil {
		return errors.New("tusdisk: StoreComposer in Config needs to contain a non-nil core")
	}

	if config.Expiration != nil && config.Expiration.Timeout <= 0 {
		return errors.New("tusdisk: Expiration.Timeout must be positive")
	}

	if config.UploadProgressInterval <= 0 {
		config.UploadProgressInterval = 1 * time.Second
	}

	if config.AcquireLockTimeout <= 0 {
		config.AcquireLockTimeout = 20 * time.Second
	}

	if config.GracefulRequestCompletionTimeout <= 0 {
		config.GracefulRequestCompletionTimeout = 10 * time.Second
	}

	if config.Cors == nil {
		config.Cors = &DefaultCorsConfig
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return nil
}
