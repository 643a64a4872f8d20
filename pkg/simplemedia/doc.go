// Package simplemedia provides the core of a media asset store: content
// addressed uploads with race-safe deduplication, pluggable storage drivers,
// derived thumbnail caching and capability-scoped signed access.
//
// The root package holds the domain model (Asset), the contracts shared by
// all subpackages (StorageDriver, Repository, Scanner, ImageDecoder,
// Observer, EventSink) and the error taxonomy. Implementations live in
// subpackages:
//
//	storage/fs, storage/s3, storage/memory   storage drivers
//	repo/memory, repo/postgres               asset record stores
//	upload, dedupe, reaper                   upload lifecycle
//	thumbnail, imaging                       derived image variants
//	presigned                                signed capability URLs
//
// Deduplication
//
// Two uploads of identical bytes are resolved by the record store: the
// first Claim of a content hash wins and every later Claim observes
// ClaimDuplicate. The loser does not store bytes; it waits for the winner's
// row to become ready and returns that row.
package simplemedia
