package history

// bucketWidth picks the smallest width in seconds that splits [minTs, maxTs]
// into at most maxPoints-1 buckets, leaving room for the closing sample.
func bucketWidth(minTs, maxTs int64, maxPoints int) int64 {
	span := maxTs - minTs
	if span < 0 {
		span = 0
	}
	return span/int64(max(maxPoints, 2)-1) + 1
}

// Downsample reduces samples, ordered by timestamp, to at most maxPoints by
// keeping the earliest sample of each fixed-width time bucket plus the last
// sample. Series already within the bound are returned unchanged. A bound of
// one keeps the earliest sample only.
func Downsample(samples []Sample, maxPoints int) []Sample {
	maxPoints = max(maxPoints, 1)
	if len(samples) <= maxPoints {
		return samples
	}
	if maxPoints == 1 {
		return samples[:1]
	}

	first := samples[0].Timestamp
	last := samples[len(samples)-1]
	width := bucketWidth(first, last.Timestamp, maxPoints)

	out := make([]Sample, 0, maxPoints)
	current := int64(-1)
	for _, s := range samples {
		if b := (s.Timestamp - first) / width; b != current {
			out = append(out, s)
			current = b
		}
	}
	if out[len(out)-1].Timestamp != last.Timestamp {
		out = append(out, last)
	}
	return out
}
