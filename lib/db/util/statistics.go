package util

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// ----------------------------------------------------------------------------
// Distribution Statistics
// ----------------------------------------------------------------------------

// DistributionStats summarizes how evenly values are spread, e.g. the chain
// lengths of the ttl buckets
type DistributionStats struct {
	Count        int     `json:"count"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	StdDeviation float64 `json:"std_deviation"`
	// Quality is 1 for identical values and approaches 0 as the spread grows.
	// It averages 1-cv (coefficient of variation, capped at 1) and min/max.
	Quality float64 `json:"distribution_quality"`
}

// NewDistributionStats computes the statistics of values. An empty input
// yields the zero value.
func NewDistributionStats(values []float64) DistributionStats {
	if len(values) == 0 {
		return DistributionStats{}
	}

	d := DistributionStats{Count: len(values), Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		d.Min = math.Min(d.Min, v)
		d.Max = math.Max(d.Max, v)
	}
	d.Mean = sum / float64(len(values))

	var squares float64
	for _, v := range values {
		squares += (v - d.Mean) * (v - d.Mean)
	}
	d.StdDeviation = math.Sqrt(squares / float64(len(values)))

	ratio, cv := 1.0, 0.0
	if d.Max > 0 {
		ratio = d.Min / d.Max
	}
	if d.Mean > 0 {
		cv = math.Min(1, d.StdDeviation/d.Mean)
	}
	d.Quality = (1-cv)*0.5 + ratio*0.5
	return d
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBuckets covers sizes up to 4 GiB; bucket i counts sizes in
// (2^(i-1), 2^i], bucket 0 counts sizes up to 1
const sizeBuckets = 33

// SizeHistogram tracks item sizes in power of two buckets. Estimates return
// the middle of the bucket a percentile falls into.
//
// Thread-safety: all methods are safe for concurrent use. Readers see each
// counter atomically, but not a consistent snapshot of all of them.
type SizeHistogram struct {
	buckets [sizeBuckets]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

func sizeBucket(size int) int {
	if size <= 1 {
		return 0
	}
	return min(bits.Len64(uint64(size-1)), sizeBuckets-1)
}

// bucketMidpoint estimates the sizes counted by bucket i
func bucketMidpoint(i int) int {
	if i == 0 {
		return 1
	}
	lo, hi := int64(1)<<(i-1), int64(1)<<i
	return int((lo + hi) / 2)
}

// AddSample records one size
func (h *SizeHistogram) AddSample(size int) {
	h.buckets[sizeBucket(size)].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// GetCount returns the number of samples
func (h *SizeHistogram) GetCount() int64 {
	return h.count.Load()
}

// AverageSize returns the exact mean of all samples
func (h *SizeHistogram) AverageSize() int {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// MedianEstimate estimates the median size
func (h *SizeHistogram) MedianEstimate() int {
	return h.GetPercentileEstimate(50)
}

// GetPercentileEstimate estimates the given percentile (1-100).
// It returns 0 without samples or for a percentile out of range.
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	n := h.count.Load()
	if n == 0 || percentile < 1 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(n) * float64(percentile) / 100))
	var seen int64
	for i := range h.buckets {
		seen += h.buckets[i].Load()
		if seen >= target {
			return bucketMidpoint(i)
		}
	}
	// samples added after count was loaded
	return bucketMidpoint(sizeBuckets - 1)
}
