// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for caching
token data for distributed systems or multiple local applications access.

The data stored and extracted will represent the entire cache. Therefore it is
recommended one client instance per user. This data is considered opaque and
there are no guarantees to implementers on the format being passed. The store
must replace its blob atomically: a reader may observe an old or a new cache
snapshot but never a torn one.
*/
package cache

import "context"

// Marshaler marshals data from an internal cache to bytes that can be stored.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler unmarshals data from a storage medium into the internal cache,
// overwriting it.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// Serializer can serialize the cache to binary or from binary into the cache.
type Serializer interface {
	Marshaler
	Unmarshaler
}

// ExportReplace is used to export or replace what is in the cache. A call to
// Replace or Export is not guaranteed to succeed; implementations must retry
// internally within their own deadline.
type ExportReplace interface {
	// Replace replaces the cache with what is in external storage. key is
	// the suggested key which can be used for partitioning the cache.
	Replace(cache Unmarshaler, key string)
	// Export writes the binary representation of the cache (cache.Marshal())
	// to external storage. This is considered opaque. key is the suggested
	// key which can be used for partitioning the cache.
	Export(cache Marshaler, key string)
}

// ExportReplaceCtx is the same as ExportReplace except that it supports
// passing a context.Context object, allowing callers to cancel or bound the
// store round trip. A nil Context is not supported; a Context without a
// timeout must receive a default timeout specified by the implementor.
type ExportReplaceCtx interface {
	ExportReplace

	// ReplaceCtx replaces the cache with what is in external storage.
	// Implementors should honor Context cancellations and return
	// context.Canceled or context.DeadlineExceeded in those cases.
	ReplaceCtx(ctx context.Context, cache Unmarshaler, key string) error
	// ExportCtx writes the binary representation of the cache
	// (cache.Marshal()) to external storage. Context cancellations should be
	// honored as in ReplaceCtx.
	ExportCtx(ctx context.Context, cache Marshaler, key string) error
}
