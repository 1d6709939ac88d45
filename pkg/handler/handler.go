package handler

import (
	"net/http"
	"strings"
)

// Handler is a ready to use handler with routing. It expects the base path
// to be stripped from the request URL already, e.g. using http.StripPrefix.
type Handler struct {
	*UnroutedHandler
	http.Handler
}

// NewHandler creates a routed handler for the upload endpoints:
//
//	POST   /      create an upload
//	HEAD   /{id}  query the offset
//	PATCH  /{id}  append a chunk
//	GET    /{id}  download the stored bytes (unless DisableDownload)
//	DELETE /{id}  terminate the upload (unless DisableTermination)
//
// Use NewUnroutedHandler to mount the endpoints into an existing router.
func NewHandler(config Config) (*Handler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	handler, err := NewUnroutedHandler(config)
	if err != nil {
		return nil, err
	}

	uploadRoutes := map[string]http.HandlerFunc{
		"HEAD":  handler.HeadFile,
		"PATCH": handler.PatchFile,
	}
	if !config.DisableDownload {
		uploadRoutes["GET"] = handler.GetFile
	}
	if config.StoreComposer.UsesTerminater && !config.DisableTermination {
		uploadRoutes["DELETE"] = handler.DelFile
	}
	uploadAllow := allowHeader(uploadRoutes)

	router := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Trim(r.URL.Path, "/") == "" {
			if r.Method == "POST" {
				handler.PostFile(w, r)
				return
			}
			methodNotAllowed(w, "POST")
			return
		}

		route, ok := uploadRoutes[r.Method]
		if !ok {
			methodNotAllowed(w, uploadAllow)
			return
		}
		route(w, r)
	})

	return &Handler{
		UnroutedHandler: handler,
		Handler:         handler.Middleware(router),
	}, nil
}

// allowHeader lists the routed methods in a fixed order.
func allowHeader(routes map[string]http.HandlerFunc) string {
	methods := make([]string, 0, len(routes))
	for _, method := range []string{"GET", "HEAD", "PATCH", "DELETE"} {
		if _, ok := routes[method]; ok {
			methods = append(methods, method)
		}
	}
	return strings.Join(methods, ", ")
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	w.WriteHeader(http.StatusMethodNotAllowed)
	w.Write([]byte("method not allowed"))
}
