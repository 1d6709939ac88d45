// Package file provides a file-based hook implementation. A directory is specified, whose
// files will be executed for specific hook events. When the post-finish event is emitted,
// the file called post-finish will be executed, similar to Git hooks. If such a file does not
// exist, the event will be ignored.
// The hook request is provided as JSON on stdin. The most important upload properties are
// also available in the environment (TUSDISK_ID, TUSDISK_SIZE, TUSDISK_OFFSET, TUSDISK_NAME,
// TUSDISK_TYPE). By writing a JSON hook response to stdout, the response from tusdisk can
// be influenced.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/tusdisk/tusdisk/pkg/hooks"
)

type FileHook struct {
	Directory string
}

func (h FileHook) Setup() error {
	stat, err := os.Stat(h.Directory)
	if err != nil {
		return fmt.Errorf("hooks directory: %w", err)
	}
	if !stat.IsDir() {
		return fmt.Errorf("hooks directory: %s is not a directory", h.Directory)
	}
	return nil
}

func (h FileHook) InvokeHook(req hooks.HookRequest) (res hooks.HookResponse, err error) {
	ctx := req.Event.Context
	if ctx == nil {
		ctx = context.Background()
	}

	hookPath := filepath.Join(h.Directory, string(req.Type))
	if _, err := os.Stat(hookPath); errors.Is(err, os.ErrNotExist) {
		// The user is only using a subset of the available hooks.
		return res, nil
	}

	jsonReq, err := json.Marshal(req)
	if err != nil {
		return res, err
	}

	upload := req.Event.Upload
	cmd := exec.CommandContext(ctx, hookPath)
	cmd.Env = append(os.Environ(),
		"TUSDISK_HOOK="+string(req.Type),
		"TUSDISK_ID="+upload.ID,
		"TUSDISK_SIZE="+strconv.FormatInt(upload.Size, 10),
		"TUSDISK_OFFSET="+strconv.FormatInt(upload.Offset, 10),
		"TUSDISK_NAME="+upload.MetaData["name"],
		"TUSDISK_TYPE="+upload.MetaData["type"],
	)
	cmd.Stdin = bytes.NewReader(jsonReq)
	cmd.Dir = h.Directory
	cmd.Stderr = os.Stderr

	output, err := cmd.Output()

	// Report error if the exit code was non-zero
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, fmt.Errorf("unexpected return code %d from hook %s: %s", exitErr.ExitCode(), req.Type, string(output))
	}
	if err != nil {
		return res, err
	}

	// Do not parse the output as JSON, if we received no output to reduce possible
	// errors.
	if len(bytes.TrimSpace(output)) > 0 {
		if err = json.Unmarshal(output, &res); err != nil {
			return res, fmt.Errorf("failed to parse hook response: %w, response was: %s", err, string(output))
		}
	}

	return res, nil
}
