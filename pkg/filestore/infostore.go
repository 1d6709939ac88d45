package filestore

import "github.com/tusdisk/tusdisk/pkg/handler"

// InfoStore persists the FileInfo records of the uploads kept by a FileStore.
// The binary data always lives next to it in the upload directory, only the
// records can be moved elsewhere (see pkg/pebbleinfostore).
type InfoStore interface {
	// StoreFileInfo creates or replaces the record for info.ID. A reader must
	// never observe a partially written record.
	StoreFileInfo(info handler.FileInfo) error
	// RetrieveFileInfo returns handler.ErrNotFound if no record exists.
	RetrieveFileInfo(id string) (handler.FileInfo, error)
	// DeleteFileInfo removes the record. Removing a missing record is not an error.
	DeleteFileInfo(id string) error
	// ListFileInfoIDs returns the IDs of all stored records in no particular order.
	ListFileInfoIDs() ([]string, error)
}
