package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jnovack/flag"
	"golang.org/x/exp/slices"

	"github.com/tusdisk/tusdisk/internal/grouped_flags"
	"github.com/tusdisk/tusdisk/pkg/hooks"
)

// EnvPrefix is prepended to the upper-cased flag name to form the name of the
// environment variable which can be used instead of the flag.
const EnvPrefix = "TUSDISK"

var Flags struct {
	ConfigFile                       string
	HttpHost                         string
	HttpPort                         string
	HttpSock                         string
	EnableH2C                        bool
	MaxSize                          int64
	UploadDir                        string
	InfoStore                        string
	PebbleDir                        string
	Locker                           string
	Basepath                         string
	ShowGreeting                     bool
	DisableDownload                  bool
	DisableTermination               bool
	DeletePartialUploadsOnConcat     bool
	InterruptConflictingUploads      bool
	RequiredMetadataString           string
	RequiredMetadata                 []string
	EnableExpiration                 bool
	AbsoluteExpiration               bool
	ExpirationSeconds                int
	CleanupInterval                  time.Duration
	CleanupLockTimeout               time.Duration
	DisableCors                      bool
	CorsAllowOrigin                  string
	CorsAllowCredentials             bool
	CorsAllowMethods                 string
	CorsAllowHeaders                 string
	CorsMaxAge                       string
	CorsExposeHeaders                string
	NetworkTimeout                   time.Duration
	RedisURL                         string
	RedisKeyPrefix                   string
	RedisCleanupLease                bool
	AuthJwtPublicKey                 string
	AuthBasicUser                    string
	AuthBasicPassword                string
	EnabledHooksString               string
	PluginHookPath                   string
	FileHooksDir                     string
	HttpHooksEndpoint                string
	HttpHooksForwardHeaders          string
	HttpHooksRetry                   int
	HttpHooksBackoff                 time.Duration
	HttpHooksTimeout                 time.Duration
	HttpHooksSizeLimit               int64
	EnabledHooks                     []hooks.HookType
	ProgressHooksInterval            time.Duration
	ShowVersion                      bool
	ExposeMetrics                    bool
	MetricsPath                      string
	ExposePprof                      bool
	PprofPath                        string
	PprofBlockProfileRate            int
	PprofMutexProfileRate            int
	BehindProxy                      bool
	VerboseOutput                    bool
	ShowStartupLogs                  bool
	LogFormat                        string
	TLSCertFile                      string
	TLSKeyFile                       string
	TLSMode                          string
	ShutdownTimeout                  time.Duration
	AcquireLockTimeout               time.Duration
	FilelockHolderPollInterval       time.Duration
	FilelockAcquirerPollInterval     time.Duration
	GracefulRequestCompletionTimeout time.Duration
}

// ParseFlags reads the flags from arguments (without the program name) and
// the environment. Values from the configuration file, if one is given, are
// used for all options which were not set explicitly.
func ParseFlags(arguments []string) error {
	fs := grouped_flags.NewFlagGroupSet("tusdisk", EnvPrefix, flag.ContinueOnError)

	fs.AddGroup("Configuration file", func(f *flag.FlagSet) {
		f.StringVar(&Flags.ConfigFile, "config-file", "", "Path to a configuration file (JSON, YAML or TOML) with a 'tus' section. Explicitly set flags take precedence.")
	})

	fs.AddGroup("Listening options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.HttpHost, "host", "0.0.0.0", "Host to bind HTTP server to")
		f.StringVar(&Flags.HttpPort, "port", "8080", "Port to bind HTTP server to")
		f.StringVar(&Flags.HttpSock, "unix-sock", "", "If set, will listen to a UNIX socket at this location instead of a TCP socket")
		f.StringVar(&Flags.Basepath, "base-path", "/files/", "Basepath of the HTTP server")
		f.BoolVar(&Flags.BehindProxy, "behind-proxy", false, "Respect X-Forwarded-* and similar headers which may be set by proxies")
		f.BoolVar(&Flags.EnableH2C, "enable-h2c", false, "Allow for HTTP/2 cleartext (h2c) connections (non-encrypted)")
	})

	fs.AddGroup("TLS options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.TLSCertFile, "tls-certificate", "", "Path to the file containing the x509 TLS certificate to be used. The file should also contain any intermediate certificates and the CA certificate.")
		f.StringVar(&Flags.TLSKeyFile, "tls-key", "", "Path to the file containing the key for the TLS certificate.")
		f.StringVar(&Flags.TLSMode, "tls-mode", "tls12", "Specify which TLS mode to use; valid modes are tls13, tls12, and tls12-strong.")
	})

	fs.AddGroup("Upload protocol options", func(f *flag.FlagSet) {
		f.BoolVar(&Flags.DisableDownload, "disable-download", false, "Disable the download endpoint")
		f.BoolVar(&Flags.DisableTermination, "disable-termination", false, "Disable the termination endpoint")
		f.Int64Var(&Flags.MaxSize, "max-size", 0, "Maximum size of a single upload in bytes (0 = unlimited)")
		f.BoolVar(&Flags.DeletePartialUploadsOnConcat, "delete-partial-uploads-on-concat", false, "Terminate partial uploads once they have been concatenated into a final upload")
		f.BoolVar(&Flags.InterruptConflictingUploads, "interrupt-conflicting-uploads", false, "Interrupt a running request for an upload if another request for the same upload arrives, instead of letting the second one wait")
		f.StringVar(&Flags.RequiredMetadataString, "required-metadata", "name,type", "Comma-separated list of metadata fields every upload must carry. Leave empty to accept uploads without metadata")
	})

	fs.AddGroup("Expiration options", func(f *flag.FlagSet) {
		f.BoolVar(&Flags.EnableExpiration, "enable-expiration", false, "Expire incomplete uploads and remove them periodically")
		f.BoolVar(&Flags.AbsoluteExpiration, "absolute-expiration", false, "Count the expiration timeout from the creation of an upload instead of its last activity")
		f.IntVar(&Flags.ExpirationSeconds, "expiration-seconds", 3600, "Expiration timeout in seconds. Also the interval of the cleanup unless -cleanup-interval is set")
		f.DurationVar(&Flags.CleanupInterval, "cleanup-interval", 0, "Interval between two cleanup runs. Defaults to the expiration timeout")
		f.DurationVar(&Flags.CleanupLockTimeout, "cleanup-lock-timeout", 5*time.Second, "Duration the cleanup waits for the lock of a single upload before skipping it")
	})

	fs.AddGroup("CORS options", func(f *flag.FlagSet) {
		f.BoolVar(&Flags.DisableCors, "disable-cors", false, "Disable CORS headers")
		f.StringVar(&Flags.CorsAllowOrigin, "cors-allow-origin", ".*", "Regular expression used to determine if the Origin header is allowed. If not, no CORS headers will be sent. By default, all origins are allowed.")
		f.BoolVar(&Flags.CorsAllowCredentials, "cors-allow-credentials", false, "Allow credentials by setting Access-Control-Allow-Credentials: true")
		f.StringVar(&Flags.CorsAllowMethods, "cors-allow-methods", "", "Comma-separated list of request methods that are included in Access-Control-Allow-Methods in addition to the ones required by tusdisk")
		f.StringVar(&Flags.CorsAllowHeaders, "cors-allow-headers", "", "Comma-separated list of headers that are included in Access-Control-Allow-Headers in addition to the ones required by tusdisk")
		f.StringVar(&Flags.CorsMaxAge, "cors-max-age", "86400", "Value of the Access-Control-Max-Age header to control the cache duration of CORS responses.")
		f.StringVar(&Flags.CorsExposeHeaders, "cors-expose-headers", "", "Comma-separated list of headers that are included in Access-Control-Expose-Headers in addition to the ones required by tusdisk")
	})

	fs.AddGroup("File storage options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.UploadDir, "upload-dir", "./data", "Directory to store uploads in")
		f.StringVar(&Flags.InfoStore, "info-store", "file", "Where upload records are kept: file (.info files next to the uploads) or pebble")
		f.StringVar(&Flags.PebbleDir, "pebble-dir", "", "Directory of the Pebble database for -info-store=pebble. Defaults to .records inside the upload directory")
		f.StringVar(&Flags.Locker, "locker", "memory", "Upload locking: memory (single process), file (processes sharing the upload directory) or redis (requires -redis-url)")
		f.DurationVar(&Flags.FilelockHolderPollInterval, "filelock-holder-poll-interval", 5*time.Second, "The holder of a lock polls regularly to see if another request handler needs the lock. This flag specifies the poll interval.")
		f.DurationVar(&Flags.FilelockAcquirerPollInterval, "filelock-acquirer-poll-interval", 2*time.Second, "The acquirer of a lock polls regularly to see if the lock has been released. This flag specifies the poll interval.")
	})

	fs.AddGroup("Redis options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.RedisURL, "redis-url", "", "Redis connection URL, e.g. redis://localhost:6379/0")
		f.StringVar(&Flags.RedisKeyPrefix, "redis-key-prefix", "tusdisk:", "Prefix for all keys written to Redis")
		f.BoolVar(&Flags.RedisCleanupLease, "redis-cleanup-lease", true, "Coordinate cleanup runs of several processes through Redis if -redis-url is set")
	})

	fs.AddGroup("Authentication options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.AuthJwtPublicKey, "auth-jwt-public-key", "", "PEM-encoded RSA public key, or path to a file containing it. If set, upload requests require a bearer token signed with the matching private key")
		f.StringVar(&Flags.AuthBasicUser, "auth-basic-user", "", "If set together with -auth-basic-password, upload requests require HTTP basic authentication")
		f.StringVar(&Flags.AuthBasicPassword, "auth-basic-password", "", "Password for -auth-basic-user")
	})

	fs.AddGroup("General hook options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.EnabledHooksString, "hooks-enabled-events", "pre-create,post-create,post-receive,post-terminate,post-finish,post-expire", "Comma separated list of enabled hook events (e.g. post-create,post-finish). Leave empty to enable all events")
		f.DurationVar(&Flags.ProgressHooksInterval, "progress-hooks-interval", 1*time.Second, "Interval at which the post-receive progress hooks are emitted for each active upload")
	})

	fs.AddGroup("File hook options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.FileHooksDir, "hooks-dir", "", "Directory to search for available hooks scripts")
	})

	fs.AddGroup("HTTP hook options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.HttpHooksEndpoint, "hooks-http", "", "An HTTP endpoint to which hook events will be sent to")
		f.StringVar(&Flags.HttpHooksForwardHeaders, "hooks-http-forward-headers", "", "List of HTTP request headers to be forwarded from the client request to the hook endpoint")
		f.IntVar(&Flags.HttpHooksRetry, "hooks-http-retry", 3, "Number of times to retry on a 500 or network timeout")
		f.DurationVar(&Flags.HttpHooksBackoff, "hooks-http-backoff", 1*time.Second, "Wait period before retrying each retry")
		f.DurationVar(&Flags.HttpHooksTimeout, "hooks-http-timeout", 30*time.Second, "Timeout for a single request to the hook endpoint")
		f.Int64Var(&Flags.HttpHooksSizeLimit, "hooks-http-size-limit", 1<<20, "Maximum size in bytes of a response from the hook endpoint")
	})

	fs.AddGroup("Plugin hook options", func(f *flag.FlagSet) {
		f.StringVar(&Flags.PluginHookPath, "hooks-plugin", "", "Path to a Go plugin for loading hook functions")
	})

	fs.AddGroup("Monitoring, profiling, logging options", func(f *flag.FlagSet) {
		f.BoolVar(&Flags.ExposeMetrics, "expose-metrics", true, "Expose metrics about tusdisk usage")
		f.StringVar(&Flags.MetricsPath, "metrics-path", "/metrics", "Path under which the metrics endpoint will be accessible")
		f.BoolVar(&Flags.ExposePprof, "expose-pprof", false, "Expose the pprof interface over HTTP for profiling tusdisk")
		f.StringVar(&Flags.PprofPath, "pprof-path", "/debug/pprof/", "Path under which the pprof endpoint will be accessible")
		f.IntVar(&Flags.PprofBlockProfileRate, "pprof-block-profile-rate", 0, "Fraction of goroutine blocking events that are reported in the blocking profile")
		f.IntVar(&Flags.PprofMutexProfileRate, "pprof-mutex-profile-rate", 0, "Fraction of mutex contention events that are reported in the mutex profile")
		f.BoolVar(&Flags.ShowGreeting, "show-greeting", true, "Show the greeting message for GET requests to the root path")
		f.BoolVar(&Flags.ShowVersion, "version", false, "Print tusdisk version information")
		f.BoolVar(&Flags.VerboseOutput, "verbose", true, "Enable verbose logging output")
		f.BoolVar(&Flags.ShowStartupLogs, "show-startup-logs", true, "Print details about tusdisk's configuration during startup")
		f.StringVar(&Flags.LogFormat, "log-format", "text", "Logging format (text or json)")
	})

	fs.AddGroup("Timeout options", func(f *flag.FlagSet) {
		f.DurationVar(&Flags.NetworkTimeout, "network-timeout", 60*time.Second, "Timeout for reading the request and writing the response. If tusdisk does not receive data for this duration, it will consider the connection dead.")
		f.DurationVar(&Flags.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "Timeout for closing connections and finishing a running cleanup gracefully during shutdown. After the timeout, tusdisk will exit regardless.")
		f.DurationVar(&Flags.AcquireLockTimeout, "acquire-lock-timeout", 20*time.Second, "Timeout for a request handler to wait for acquiring the upload lock.")
		f.DurationVar(&Flags.GracefulRequestCompletionTimeout, "request-completion-timeout", 10*time.Second, "Period after which all request operations are cancelled when the request is stopped by the client.")
	})

	if err := fs.Parse(arguments); err != nil {
		return err
	}

	if Flags.ConfigFile != "" {
		explicit := map[string]bool{}
		fs.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})

		if err := loadConfigFile(Flags.ConfigFile, explicit); err != nil {
			return err
		}
	}

	if err := SetEnabledHooks(); err != nil {
		return err
	}

	Flags.RequiredMetadata = splitList(Flags.RequiredMetadataString)

	if Flags.FileHooksDir != "" {
		Flags.FileHooksDir, _ = filepath.Abs(Flags.FileHooksDir)
	}

	return validateFlags()
}

func validateFlags() error {
	if !strings.HasPrefix(Flags.Basepath, "/") {
		Flags.Basepath = "/" + Flags.Basepath
	}
	if !strings.HasSuffix(Flags.Basepath, "/") {
		Flags.Basepath += "/"
	}

	if Flags.UploadDir == "" {
		return errors.New("an upload directory is required (-upload-dir or tus.storageDiskPath)")
	}
	if Flags.MaxSize < 0 {
		return errors.New("-max-size must not be negative")
	}
	if Flags.EnableExpiration && Flags.ExpirationSeconds <= 0 {
		return errors.New("-expiration-seconds must be positive if expiration is enabled")
	}
	if !slices.Contains([]string{"text", "json"}, Flags.LogFormat) {
		return fmt.Errorf("unknown -log-format: %s", Flags.LogFormat)
	}
	if !slices.Contains([]string{"file", "pebble"}, Flags.InfoStore) {
		return fmt.Errorf("unknown -info-store: %s", Flags.InfoStore)
	}
	if !slices.Contains([]string{"memory", "file", "redis"}, Flags.Locker) {
		return fmt.Errorf("unknown -locker: %s", Flags.Locker)
	}
	if Flags.Locker == "redis" && Flags.RedisURL == "" {
		return errors.New("-locker=redis requires -redis-url")
	}
	if (Flags.AuthBasicUser == "") != (Flags.AuthBasicPassword == "") {
		return errors.New("-auth-basic-user and -auth-basic-password must be set together")
	}
	if Flags.AuthJwtPublicKey != "" && Flags.AuthBasicUser != "" {
		return errors.New("-auth-jwt-public-key and -auth-basic-user are mutually exclusive")
	}
	return nil
}

func SetEnabledHooks() error {
	Flags.EnabledHooks = nil

	for _, h := range splitList(Flags.EnabledHooksString) {
		if !slices.Contains(hooks.AvailableHooks, hooks.HookType(h)) {
			return fmt.Errorf("unknown hook event type in -hooks-enabled-events flag: %s", h)
		}

		Flags.EnabledHooks = append(Flags.EnabledHooks, hooks.HookType(h))
	}

	if len(Flags.EnabledHooks) == 0 {
		Flags.EnabledHooks = hooks.AvailableHooks
	}

	return nil
}

// splitList splits a comma-separated list and drops empty elements.
func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
