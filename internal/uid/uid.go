package uid

import (
	"strings"

	"github.com/google/uuid"
)

// Uid returns a unique id. These ids are random (version 4) UUIDs written as
// 32 lowercase hexadecimal characters without dashes, so they can be used
// directly as file names.
func Uid() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
