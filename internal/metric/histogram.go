package metric

// HistogramBucket is one bucket of a custom histogram: the count of
// values v with Boundary <= v < next boundary.
type HistogramBucket struct {
	Boundary float64
	Count    uint64
}

// Histogram is a pre-bucketed distribution with caller-defined
// boundaries. Bucketing is right-of-or-equal: a value equal to a
// boundary lands in that boundary's bucket, a value below every
// boundary lands in LeftCount, and a value at or above the largest
// boundary lands in the last bucket.
type Histogram struct {
	// LeftCount counts values below the first boundary.
	LeftCount uint64
	// Buckets is strictly increasing by Boundary.
	Buckets []HistogramBucket
}

func (*Histogram) Kind() Kind { return KindHistogram }

func (h *Histogram) Clone() Value {
	c := &Histogram{LeftCount: h.LeftCount}
	if len(h.Buckets) > 0 {
		c.Buckets = append(make([]HistogramBucket, 0, len(h.Buckets)), h.Buckets...)
	}

	return c
}

// validate checks that the boundary sequence is strictly increasing.
func (h *Histogram) validate() error {
	for i := 1; i < len(h.Buckets); i++ {
		if h.Buckets[i].Boundary <= h.Buckets[i-1].Boundary {
			return validationf(
				"histogram boundaries not strictly increasing at index %d (%v <= %v)",
				i, h.Buckets[i].Boundary, h.Buckets[i-1].Boundary,
			)
		}
	}

	return nil
}

// Observe adds n occurrences of v to the appropriate bucket.
func (h *Histogram) Observe(v float64, n uint64) {
	idx := h.bucketIndex(v)
	if idx < 0 {
		h.LeftCount += n

		return
	}

	h.Buckets[idx].Count += n
}

// bucketIndex returns the index of the bucket that catches v, or -1
// for the left catch-all. The bucket chosen is the last one whose
// boundary is <= v.
func (h *Histogram) bucketIndex(v float64) int {
	idx := -1

	for i := range h.Buckets {
		if v < h.Buckets[i].Boundary {
			break
		}

		idx = i
	}

	return idx
}

// TotalCount returns the sum of all bucket counts including the left
// catch-all.
func (h *Histogram) TotalCount() uint64 {
	total := h.LeftCount
	for i := range h.Buckets {
		total += h.Buckets[i].Count
	}

	return total
}

// sameBoundaries reports whether both histograms carry an identical
// boundary sequence. Only such histograms are mergeable.
func (h *Histogram) sameBoundaries(other *Histogram) bool {
	if len(h.Buckets) != len(other.Buckets) {
		return false
	}

	for i := range h.Buckets {
		if h.Buckets[i].Boundary != other.Buckets[i].Boundary {
			return false
		}
	}

	return true
}

// add merges another histogram's counts pairwise. Callers must have
// checked sameBoundaries first.
func (h *Histogram) add(other *Histogram) {
	h.LeftCount += other.LeftCount
	for i := range h.Buckets {
		h.Buckets[i].Count += other.Buckets[i].Count
	}
}

// resetCounts zeroes all counts while keeping the boundaries.
func (h *Histogram) resetCounts() {
	h.LeftCount = 0
	for i := range h.Buckets {
		h.Buckets[i].Count = 0
	}
}
