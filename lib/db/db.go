package db

import (
	"errors"
	"time"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplSeg Implementation = "seg"
)

// Feature represents cache features as bit flags
type Feature uint64

const (
	FeatureGet       Feature = 1 << iota // Support for Get operations
	FeatureSet                           // Support for Set operations
	FeatureAdd                           // Support for Add operations
	FeatureReplace                       // Support for Replace operations
	FeatureCas                           // Support for Cas operations
	FeatureIncrDecr                      // Support for Incr and Decr operations
	FeatureDelete                        // Support for Delete operations
	FeatureFlushAll                      // Support for FlushAll operations
	FeatureExpiration                    // Objects expire by ttl
	FeatureEviction                      // Objects are evicted under memory pressure
)

func (f Feature) String() string {
	switch f {
	case FeatureGet:
		return "Get"
	case FeatureSet:
		return "Set"
	case FeatureAdd:
		return "Add"
	case FeatureReplace:
		return "Replace"
	case FeatureCas:
		return "Cas"
	case FeatureIncrDecr:
		return "IncrDecr"
	case FeatureDelete:
		return "Delete"
	case FeatureFlushAll:
		return "FlushAll"
	case FeatureExpiration:
		return "Expiration"
	case FeatureEviction:
		return "Eviction"
	default:
		return "Unknown"
	}
}

// Item is a copy of a stored object as returned by Get.
// Value is owned by the caller.
type Item struct {
	Key   []byte
	Value []byte
	Flags uint32
	Cas   uint64
	// TTL is the remaining time to live, 0 if the item never expires
	TTL time.Duration
}

// CacheInfo describes the state of a cache engine
type CacheInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	CacheType         Implementation `json:"cache_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// Miss is not an error: Get reports it through its boolean result.
var (
	// ErrObjectTooLarge is returned when key and value do not fit the configured limits.
	// The write is rejected before any memory is allocated.
	ErrObjectTooLarge = errors.New("object too large for cache")
	// ErrOutOfMemory is returned when eviction could not free space for a write
	ErrOutOfMemory = errors.New("out of memory storing object")
	// ErrVersionMismatch is returned by Cas when the stored version differs
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrNotFound is returned by Cas, Incr and Decr when the key is absent
	ErrNotFound = errors.New("not found")
	// ErrNotStored is returned by Add (key present) and Replace (key absent)
	ErrNotStored = errors.New("not stored")
	// ErrNotNumeric is returned by Incr and Decr if the value is not a decimal u64
	ErrNotNumeric = errors.New("cannot increment or decrement non-numeric value")
	// ErrInvalidKey is returned for empty or oversized keys
	ErrInvalidKey = errors.New("invalid key")
	// ErrClosed is returned by operations on a closed cache
	ErrClosed = errors.New("cache closed")
)

// --------------------------------------------------------------------------
// Cache Interface
// --------------------------------------------------------------------------

// ICache defines the operation surface of a cache engine.
// Keys are byte sequences of 1 to MaxKeyLen bytes. A ttl of 0 means the object
// never expires, a negative ttl means it is already expired.
// All implementations must be safe for concurrent use.
type ICache interface {

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns a copy of the live object stored under key.
	// The boolean result is false on a miss (absent or expired).
	// A hit counts as an access for the eviction policy.
	Get(key []byte) (item Item, ok bool)

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set stores the object, overwriting any previous version.
	// It returns the new version (cas value) of the object.
	Set(key, value []byte, flags uint32, ttl time.Duration) (cas uint64, err error)

	// Add stores the object only if the key is absent, else ErrNotStored.
	Add(key, value []byte, flags uint32, ttl time.Duration) (cas uint64, err error)

	// Replace stores the object only if the key is present, else ErrNotStored.
	Replace(key, value []byte, flags uint32, ttl time.Duration) (cas uint64, err error)

	// Cas stores the object only if the live version equals expected.
	// It fails with ErrNotFound if the key is absent and ErrVersionMismatch if
	// the version differs.
	Cas(key, value []byte, flags uint32, ttl time.Duration, expected uint64) (cas uint64, err error)

	// Incr adds delta to the decimal value of key, wrapping at 2^64.
	// Flags and expiration of the object are kept.
	Incr(key []byte, delta uint64) (value uint64, err error)

	// Decr subtracts delta from the decimal value of key, flooring at 0.
	Decr(key []byte, delta uint64) (value uint64, err error)

	// Delete removes the object. The result reports whether a live object was removed.
	Delete(key []byte) (deleted bool)

	// FlushAll invalidates every stored object.
	FlushAll()

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the cache.
	GetInfo() (info CacheInfo)

	// Close stops background work and releases the memory of the cache.
	Close() (err error)
}

// MaxKeyLen is the longest key accepted by any cache
const MaxKeyLen = 250

// ValidKey reports whether key can be stored
func ValidKey(key []byte) bool {
	return len(key) > 0 && len(key) <= MaxKeyLen
}
