package cli

import (
	"fmt"
	"net/http"
)

var greeting string

func PrepareGreeting() {
	greeting = fmt.Sprintf(
		`Welcome to tusdisk
==================

This server accepts resumable uploads following the tus protocol 1.0.0.
Uploads are only accepted at the %s route. You are looking at the root
directory of the server, which does not accept uploads.

Supported extensions: creation, creation-with-upload, creation-defer-length,
termination, concatenation, expiration.

Version = %s
GitCommit = %s
BuildDate = %s
`, Flags.Basepath, VersionName, GitCommit, BuildDate)
}

func DisplayGreeting(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(greeting))
}
