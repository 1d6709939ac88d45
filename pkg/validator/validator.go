// Package validator checks the metadata of new uploads before they are
// created. It is installed as the handler's pre-create callback:
//
//	config.PreUploadCreateCallback = validator.PreCreateCallback(validator.Default...)
//
// Partial uploads are exempt since their metadata is provided with the final
// upload, which is validated like every other upload.
package validator

import (
	"net/http"
	"strings"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

// Default lists the metadata fields which every upload must carry.
var Default = []string{"name", "type"}

// ValidationError names the metadata fields which are missing or empty.
// It matches handler.ErrInvalidMetadata with errors.Is.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	messages := make([]string, len(e.Missing))
	for i, field := range e.Missing {
		messages[i] = field + " metadata must be specified."
	}
	return strings.Join(messages, " ")
}

func (e *ValidationError) Unwrap() error {
	return handler.ErrInvalidMetadata
}

// Validate returns a *ValidationError if any of the required fields is
// missing from meta or has an empty value. Missing fields are reported in
// the order in which they are required.
func Validate(meta handler.MetaData, required ...string) error {
	var missing []string
	for _, field := range required {
		if meta[field] == "" {
			missing = append(missing, field)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return &ValidationError{Missing: missing}
}

// PreCreateCallback returns a callback for handler.Config.PreUploadCreateCallback
// which rejects uploads lacking one of the required metadata fields with a
// 400 Bad Request. Nothing is stored for a rejected upload.
func PreCreateCallback(required ...string) func(handler.HookEvent) (handler.HTTPResponse, handler.FileInfoChanges, error) {
	return func(event handler.HookEvent) (handler.HTTPResponse, handler.FileInfoChanges, error) {
		if event.Upload.IsPartial {
			return handler.HTTPResponse{}, handler.FileInfoChanges{}, nil
		}

		if err := Validate(event.Upload.MetaData, required...); err != nil {
			return handler.HTTPResponse{}, handler.FileInfoChanges{}, handler.NewError(handler.ErrInvalidMetadata.ErrorCode, err.Error(), http.StatusBadRequest)
		}

		return handler.HTTPResponse{}, handler.FileInfoChanges{}, nil
	}
}
