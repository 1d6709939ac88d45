package cli

import (
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"strings"

	"github.com/felixge/fgprof"
	"github.com/goji/httpauth"
)

func SetupPprof(globalMux *http.ServeMux) error {
	runtime.SetBlockProfileRate(Flags.PprofBlockProfileRate)
	runtime.SetMutexProfileFraction(Flags.PprofMutexProfileRate)

	path := Flags.PprofPath
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	// pprof.Index serves the named profiles only below /debug/pprof/.
	mux := http.NewServeMux()
	mux.HandleFunc(path, pprof.Index)
	mux.HandleFunc(path+"cmdline", pprof.Cmdline)
	mux.HandleFunc(path+"profile", pprof.Profile)
	mux.HandleFunc(path+"symbol", pprof.Symbol)
	mux.HandleFunc(path+"trace", pprof.Trace)
	mux.Handle(path+"fgprof", fgprof.Handler())

	var handler http.Handler = mux
	auth := os.Getenv(EnvPrefix + "_PPROF_AUTH")
	if auth != "" {
		user, password, ok := strings.Cut(auth, ":")
		if !ok {
			return errors.New(EnvPrefix + "_PPROF_AUTH must be two values separated by a colon")
		}

		handler = httpauth.SimpleBasicAuth(user, password)(mux)
	}

	printStartupLog("Using %s as pprof path.\n", path)
	globalMux.Handle(path, handler)
	return nil
}
