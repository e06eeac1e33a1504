package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidName        = errors.New("invalid name")
	ErrPageNotFound       = errors.New("page not found in page cache")
	ErrPageExists         = errors.New("page already resident in page cache")
	ErrCacheFull          = errors.New("page cache is full and no pages can be evicted")
	ErrPagePinned         = errors.New("page is pinned and cannot be evicted")
	ErrNotPinned          = errors.New("page is not pinned")
	ErrIO                 = errors.New("i/o error")
	ErrChecksumMismatch   = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData    = errors.New("invalid page data")
	ErrObjectTooLarge     = errors.New("object too large to fit in a page")
	ErrPipelineClosed     = errors.New("flush pipeline is closed")
	ErrStorageDegraded    = errors.New("storage degraded after repeated flush failures")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrRootMissing        = errors.New("storage root path missing")
	ErrMalformedLayout    = errors.New("malformed on-disk layout")
	ErrInvalidPartition   = errors.New("invalid partition index")
	ErrUnknownFormat      = errors.New("unknown export format")
	ErrServerShuttingDown = errors.New("storage server is shutting down")
)
