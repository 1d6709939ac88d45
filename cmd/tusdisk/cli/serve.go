package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/tusdisk/tusdisk/pkg/cleanup"
	"github.com/tusdisk/tusdisk/pkg/handler"
	"github.com/tusdisk/tusdisk/pkg/hooks"
	"github.com/tusdisk/tusdisk/pkg/validator"
)

const (
	TLS13       = "tls13"
	TLS12       = "tls12"
	TLS12STRONG = "tls12-strong"
)

// Setups the different components, starts a Listener and give it to
// http.Serve(). Serve returns once ctx is cancelled and the server as well as
// the cleanup scheduler have been shut down, or if one of them fails.
func Serve(ctx context.Context) error {
	config, err := newHandlerConfig()
	if err != nil {
		return err
	}

	var uploadHandler *handler.Handler
	var onExpired func(handler.HookEvent)
	if hookHandler := getHookHandler(); hookHandler != nil {
		printEnabledHooks()

		uploadHandler, err = hooks.NewHandlerWithHooks(&config, hookHandler, Flags.EnabledHooks)
		if err != nil {
			return fmt.Errorf("unable to create handler: %s", err)
		}
		onExpired = hooks.NewExpireCallback(hookHandler, Flags.EnabledHooks)
	} else {
		uploadHandler, err = handler.NewHandler(config)
		if err != nil {
			return fmt.Errorf("unable to create handler: %s", err)
		}
	}

	printStartupLog("Supported tus extensions: %s\n", uploadHandler.SupportedExtensions())

	mux, err := newServeMux(uploadHandler)
	if err != nil {
		return err
	}

	scheduler := newScheduler(config.Expiration, onExpired)

	listener, protocol, err := newListener()
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler: mux,
	}
	if Flags.EnableH2C {
		server.Handler = h2c.NewHandler(mux, &http2.Server{})
	}
	// Long-running PATCH and GET requests are stopped once the shutdown begins.
	server.RegisterOnShutdown(uploadHandler.InterruptRequestHandling)

	if protocol == "https" {
		if err := setupTLS(server); err != nil {
			listener.Close()
			return err
		}
	}

	printStartupLog("You can now upload files to: %s://%s%s", protocol, listener.Addr(), Flags.Basepath)

	// Cancelling ctx ends the ticks. A run in progress is waited for by Stop.
	if scheduler != nil {
		if err := scheduler.Start(ctx); err != nil {
			listener.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if protocol == "https" {
			err = server.ServeTLS(listener, Flags.TLSCertFile, Flags.TLSKeyFile)
		} else {
			err = server.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("unable to serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		stdout.Printf("Shutting down the server (waiting up to %s)...\n", Flags.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), Flags.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down server: %w", err))
		}
		if scheduler != nil {
			if err := scheduler.Stop(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			stdout.Println("Shutdown completed. Goodbye!")
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newHandlerConfig() (handler.Config, error) {
	config := handler.Config{
		MaxSize:                          Flags.MaxSize,
		BasePath:                         Flags.Basepath,
		Cors:                             getCorsConfig(),
		RespectForwardedHeaders:          Flags.BehindProxy,
		DisableDownload:                  Flags.DisableDownload,
		DisableTermination:               Flags.DisableTermination,
		DeletePartialUploadsOnConcat:     Flags.DeletePartialUploadsOnConcat,
		InterruptConflictingUploads:      Flags.InterruptConflictingUploads,
		StoreComposer:                    Composer,
		UploadProgressInterval:           Flags.ProgressHooksInterval,
		AcquireLockTimeout:               Flags.AcquireLockTimeout,
		GracefulRequestCompletionTimeout: Flags.GracefulRequestCompletionTimeout,
		Logger:                           Logger,
		CompleteUploadCallback:           logFinishedUpload,
	}

	if Flags.CorsAllowOrigin != "" {
		allowOrigin, err := regexp.Compile(Flags.CorsAllowOrigin)
		if err != nil {
			return config, fmt.Errorf("invalid regular expression for -cors-allow-origin flag: %s", err)
		}
		config.Cors.AllowOrigin = allowOrigin
	}

	if len(Flags.RequiredMetadata) > 0 {
		printStartupLog("Requiring metadata: %s\n", strings.Join(Flags.RequiredMetadata, ", "))
		config.PreUploadCreateCallback = validator.PreCreateCallback(Flags.RequiredMetadata...)
	}

	if Flags.EnableExpiration {
		config.Expiration = handler.NewExpiration(Flags.AbsoluteExpiration, time.Duration(Flags.ExpirationSeconds)*time.Second)
		printStartupLog("Expiring incomplete uploads after %s (%s).\n", config.Expiration.Timeout, config.Expiration.Strategy)
	}

	return config, nil
}

func getCorsConfig() *handler.CorsConfig {
	config := handler.DefaultCorsConfig
	config.Disable = Flags.DisableCors
	config.AllowCredentials = Flags.CorsAllowCredentials
	config.MaxAge = Flags.CorsMaxAge

	if Flags.CorsAllowMethods != "" {
		config.AllowMethods += ", " + Flags.CorsAllowMethods
	}
	if Flags.CorsAllowHeaders != "" {
		config.AllowHeaders += ", " + Flags.CorsAllowHeaders
	}
	if Flags.CorsExposeHeaders != "" {
		config.ExposeHeaders += ", " + Flags.CorsExposeHeaders
	}

	return &config
}

// logFinishedUpload is the completion callback if no post-finish hook is
// configured. Hooks are run after it otherwise.
func logFinishedUpload(event handler.HookEvent) error {
	Logger.Info("UploadFinished", "id", event.Upload.ID, "size", event.Upload.Size, "name", event.Upload.MetaData["name"])
	return nil
}

func newServeMux(uploadHandler *handler.Handler) (*http.ServeMux, error) {
	basepath := Flags.Basepath
	mux := http.NewServeMux()

	// Do not display the greeting if the tusdisk handler will be mounted at the root
	// path. Else this would cause a "multiple registrations for /" panic.
	if basepath != "/" && Flags.ShowGreeting {
		PrepareGreeting()
		mux.HandleFunc("/", DisplayGreeting)
	}

	auth, err := authMiddleware()
	if err != nil {
		return nil, err
	}
	route := func(prefix string) http.Handler {
		var h http.Handler = http.StripPrefix(prefix, uploadHandler)
		if auth != nil {
			h = auth(h)
		}
		return h
	}

	printStartupLog("Using %s as the base path.\n", basepath)
	mux.Handle(basepath, route(basepath))

	// Also register a route without the trailing slash, so we can handle uploads
	// for /files/ and /files, for example.
	if basepath != "/" {
		trimmed := strings.TrimSuffix(basepath, "/")
		mux.Handle(trimmed, route(trimmed))
	}

	if Flags.ExposeMetrics {
		SetupMetrics(mux, uploadHandler)
	}

	if Flags.ExposePprof {
		if err := SetupPprof(mux); err != nil {
			return nil, err
		}
	}

	return mux, nil
}

func newListener() (net.Listener, string, error) {
	protocol := "http"
	if Flags.TLSCertFile != "" && Flags.TLSKeyFile != "" {
		protocol = "https"
	}

	if Flags.HttpSock != "" {
		printStartupLog("Using %s as socket to listen.\n", Flags.HttpSock)
		listener, err := NewUnixListener(Flags.HttpSock, Flags.NetworkTimeout, Flags.NetworkTimeout)
		if err != nil {
			return nil, "", fmt.Errorf("unable to create listener: %s", err)
		}
		return listener, protocol, nil
	}

	address := net.JoinHostPort(Flags.HttpHost, Flags.HttpPort)
	printStartupLog("Using %s as address to listen.\n", address)
	listener, err := NewListener(address, Flags.NetworkTimeout, Flags.NetworkTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("unable to create listener: %s", err)
	}
	return listener, protocol, nil
}

func setupTLS(server *http.Server) error {
	server.TLSConfig = &tls.Config{}

	switch Flags.TLSMode {
	case TLS13:
		server.TLSConfig.MinVersion = tls.VersionTLS13
	case TLS12:
		// Ciphersuite selection comes from
		// https://ssl-config.mozilla.org/#server=go&version=1.14.4&config=intermediate&guideline=5.6
		// 128-bit AES modes remain as TLSv1.3 is enabled in this mode, and TLSv1.3 compatibility requires an AES-128 ciphersuite.
		server.TLSConfig.MinVersion = tls.VersionTLS12
		server.TLSConfig.CipherSuites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		}
	case TLS12STRONG:
		// Ciphersuite selection as above, but intersected with
		// https://github.com/denji/golang-tls#perfect-ssl-labs-score-with-go
		// TLSv1.3 is disabled as it requires an AES-128 ciphersuite.
		server.TLSConfig.MinVersion = tls.VersionTLS12
		server.TLSConfig.MaxVersion = tls.VersionTLS12
		server.TLSConfig.CipherSuites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		}
	default:
		return fmt.Errorf("invalid TLS mode chosen. Recommended valid modes are tls13, tls12 (default), and tls12-strong")
	}

	printStartupLog("Using TLS mode %s.\n", Flags.TLSMode)
	return nil
}

// newScheduler returns nil if expiration is disabled.
func newScheduler(expiration *handler.Expiration, onExpired func(handler.HookEvent)) *cleanup.Scheduler {
	if expiration == nil {
		return nil
	}

	scheduler := &cleanup.Scheduler{
		Composer:    Composer,
		Expiration:  expiration,
		Interval:    Flags.CleanupInterval,
		LockTimeout: Flags.CleanupLockTimeout,
		Logger:      Logger,
		OnExpired:   onExpired,
	}

	if RedisClient != nil && Flags.RedisCleanupLease {
		// The lease outlives a stuck run by at most one interval.
		expiry := Flags.CleanupInterval
		if expiry <= 0 {
			expiry = expiration.Timeout
		}
		scheduler.Lease = cleanup.NewRedisLease(RedisClient, Flags.RedisKeyPrefix+"cleanup", expiry)
		printStartupLog("Coordinating cleanup runs through Redis.\n")
	}

	return scheduler
}
