// Package blobstore provides content-addressed storage for checkpoint file
// snapshots (spec §4.5). Content is keyed by its SHA-256 digest, so two
// checkpoints snapshotting the same file content share one stored blob.
// Adapted from the teacher's internal/objectstore package: same Get/Put
// core and sentinel-error style, generalized from arbitrary object keys to
// content digests, with Delete replaced by a Retain/Release refcount ledger
// the checkpoint lineage needs for garbage collection that the teacher's
// object store has no equivalent of.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// Sentinel errors, mirroring the teacher's objectstore.ErrNotFound /
// ErrAccessDenied pattern.
var (
	ErrNotFound     = errors.New("blobstore: blob not found")
	ErrAccessDenied = errors.New("blobstore: access denied")
)

// Digest returns the content address (hex SHA-256) of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BlobStore is content-addressed: Put returns the digest of what was
// written, and callers address content by that digest rather than a
// caller-chosen key. Put increments the digest's refcount; Release
// decrements it and only removes the underlying bytes when the count
// reaches zero, so multiple checkpoints sharing identical file content
// only pay for storage once (spec §4.5).
type BlobStore interface {
	// Put stores data and returns its digest, incrementing its refcount.
	Put(ctx context.Context, data []byte) (digest string, err error)
	// Get retrieves the content for a digest. Returns ErrNotFound if the
	// digest is unknown or its refcount has reached zero.
	Get(ctx context.Context, digest string) (io.ReadCloser, error)
	// Retain increments the refcount of an already-stored digest, used
	// when a second checkpoint references content a prior checkpoint
	// already stored (spec §4.5 "snapshot only on first edit").
	Retain(ctx context.Context, digest string) error
	// Release decrements the refcount of a digest and deletes the
	// underlying bytes once it reaches zero.
	Release(ctx context.Context, digest string) error
	// RefCount reports the current refcount of a digest, 0 if unknown.
	RefCount(ctx context.Context, digest string) (int, error)
}
