package seg

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/segcache/lib/db/engines/seg/internal"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultTotalMemoryBytes   = 64 << 20 // 64 MiB
	defaultSegmentSizeBytes   = 1 << 20  // 1 MiB
	defaultHashIndexPower     = 16
	// 4095 bounded buckets of 640s reach 30.3 days, past the 30 day limit of
	// relative memcache exptimes
	defaultTTLBucketCount     = 4096
	defaultTTLBucketWidth     = 640 * time.Second
	defaultEvictionMergeWidth = 4
	defaultMaxValueSize       = 512 << 10 // 512 KiB
	defaultExpireInterval     = time.Second

	// reservedSegments are kept free for merge destinations
	reservedSegments = 1
	// minSegmentSize fits one item with a short key and value.
	// Writes that do not fit a segment fail with db.ErrObjectTooLarge.
	minSegmentSize = internal.ItemHeaderSize + 8
)

// EvictionPolicy selects how space is reclaimed when the pool is exhausted
type EvictionPolicy string

const (
	// PolicyNone never evicts, writes fail with db.ErrOutOfMemory
	PolicyNone EvictionPolicy = "none"
	// PolicyRandom evicts a random sealed segment
	PolicyRandom EvictionPolicy = "random"
	// PolicyFIFO evicts the oldest sealed segment
	PolicyFIFO EvictionPolicy = "fifo"
	// PolicyCTE evicts the sealed segment closest to expiration
	PolicyCTE EvictionPolicy = "cte"
	// PolicyUtil evicts the sealed segment with the fewest live items
	PolicyUtil EvictionPolicy = "util"
	// PolicyMerge merges the oldest segments of a chain, keeping high utility items
	PolicyMerge EvictionPolicy = "merge"
)

// ParseEvictionPolicy converts a policy name
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch p := EvictionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone, PolicyRandom, PolicyFIFO, PolicyCTE, PolicyUtil, PolicyMerge:
		return p, nil
	default:
		return "", fmt.Errorf("invalid eviction policy %q (expected one of: none, random, fifo, cte, util, merge)", s)
	}
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the segment cache
type Options struct {
	TotalMemoryBytes   int64          // Memory of the segment pool, rounded down to whole segments
	SegmentSizeBytes   int            // Capacity of one segment
	HashIndexPower     uint8          // The index starts with 2^HashIndexPower buckets
	TTLBucketCount     int            // Number of ttl ranges (the last one never expires)
	TTLBucketWidth     time.Duration  // Width of one ttl range, whole seconds
	EvictionMergeWidth int            // Segments merged per eviction
	EvictionPolicy     EvictionPolicy // How space is reclaimed under pressure
	Utility            Utility        // Scores objects during merges (nil = DefaultUtility)
	MaxValueSize       int            // Largest accepted value
	ExpireInterval     time.Duration  // Time between background expiration sweeps
	Clock              func() time.Time
}

// DefaultOptions returns the default cache options
func DefaultOptions() *Options {
	return &Options{
		TotalMemoryBytes:   defaultTotalMemoryBytes,
		SegmentSizeBytes:   defaultSegmentSizeBytes,
		HashIndexPower:     defaultHashIndexPower,
		TTLBucketCount:     defaultTTLBucketCount,
		TTLBucketWidth:     defaultTTLBucketWidth,
		EvictionMergeWidth: defaultEvictionMergeWidth,
		EvictionPolicy:     PolicyMerge,
		MaxValueSize:       defaultMaxValueSize,
		ExpireInterval:     defaultExpireInterval,
		Clock:              time.Now,
	}
}

// normalize fills zero values with defaults and validates the options
func (o *Options) normalize() error {
	def := DefaultOptions()
	if o.TotalMemoryBytes == 0 {
		o.TotalMemoryBytes = def.TotalMemoryBytes
	}
	if o.SegmentSizeBytes == 0 {
		o.SegmentSizeBytes = def.SegmentSizeBytes
	}
	if o.HashIndexPower == 0 {
		o.HashIndexPower = def.HashIndexPower
	}
	if o.TTLBucketCount == 0 {
		o.TTLBucketCount = def.TTLBucketCount
	}
	if o.TTLBucketWidth == 0 {
		o.TTLBucketWidth = def.TTLBucketWidth
	}
	if o.EvictionMergeWidth == 0 {
		o.EvictionMergeWidth = def.EvictionMergeWidth
	}
	if o.EvictionPolicy == "" {
		o.EvictionPolicy = def.EvictionPolicy
	}
	if o.Utility == nil {
		o.Utility = DefaultUtility
	}
	if o.MaxValueSize == 0 {
		o.MaxValueSize = def.MaxValueSize
	}
	if o.ExpireInterval == 0 {
		o.ExpireInterval = def.ExpireInterval
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}

	if o.SegmentSizeBytes < minSegmentSize || o.SegmentSizeBytes%8 != 0 {
		return fmt.Errorf("segment size must be a multiple of 8 and at least %d bytes, got %d", minSegmentSize, o.SegmentSizeBytes)
	}
	if n := o.SegmentCount(); n <= reservedSegments {
		return fmt.Errorf("total memory of %d bytes holds %d segments of %d bytes, need at least %d",
			o.TotalMemoryBytes, n, o.SegmentSizeBytes, reservedSegments+1)
	}
	if o.HashIndexPower > 32 {
		return fmt.Errorf("hash index power must be at most 32, got %d", o.HashIndexPower)
	}
	if o.TTLBucketCount < 2 {
		return fmt.Errorf("ttl bucket count must be at least 2, got %d", o.TTLBucketCount)
	}
	if o.TTLBucketWidth < time.Second || o.TTLBucketWidth%time.Second != 0 {
		return fmt.Errorf("ttl bucket width must be whole seconds, got %s", o.TTLBucketWidth)
	}
	if o.EvictionMergeWidth < 1 {
		return fmt.Errorf("eviction merge width must be at least 1, got %d", o.EvictionMergeWidth)
	}
	if _, err := ParseEvictionPolicy(string(o.EvictionPolicy)); err != nil {
		return err
	}
	if o.MaxValueSize < 0 {
		return fmt.Errorf("max value size must not be negative, got %d", o.MaxValueSize)
	}
	return nil
}

// SegmentCount returns the number of segments the options allocate
func (o *Options) SegmentCount() int {
	if o.SegmentSizeBytes <= 0 {
		return 0
	}
	return int(o.TotalMemoryBytes / int64(o.SegmentSizeBytes))
}

// String returns a formatted representation of the options
func (o *Options) String() string {
	var sb strings.Builder
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	addField("Total Memory", fmt.Sprintf("%d bytes", o.TotalMemoryBytes))
	addField("Segment Size", fmt.Sprintf("%d bytes", o.SegmentSizeBytes))
	addField("Segments", fmt.Sprintf("%d", o.SegmentCount()))
	addField("Hash Index Buckets", fmt.Sprintf("%d", uint64(1)<<o.HashIndexPower))
	addField("TTL Buckets", fmt.Sprintf("%d x %s", o.TTLBucketCount, o.TTLBucketWidth))
	addField("Eviction Policy", string(o.EvictionPolicy))
	addField("Merge Width", fmt.Sprintf("%d", o.EvictionMergeWidth))
	addField("Max Value Size", fmt.Sprintf("%d bytes", o.MaxValueSize))
	addField("Expire Interval", o.ExpireInterval.String())
	return sb.String()
}
