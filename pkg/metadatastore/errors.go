package metadatastore

import "errors"

// ErrCorrupt marks a metadata file that failed to parse; callers should
// treat the session as missing rather than crash the poll loop
// (spec.md §7 metadata_corrupt policy).
var ErrCorrupt = errors.New("metadata record corrupt")
