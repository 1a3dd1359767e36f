package util

import (
	"testing"
)

func TestHashBytesMatchesHashString(t *testing.T) {
	seed := GenerateSeed()
	for _, s := range []string{"", "a", "user:1000", "\x00\xff"} {
		if HashString(s, seed) != HashBytes([]byte(s), seed) {
			t.Errorf("HashBytes(%q) differs from HashString", s)
		}
	}
}

func TestHashUint64Spread(t *testing.T) {
	const shards = 8
	counts := make([]float64, shards)
	seed := GenerateSeed()
	for i := uint64(1); i <= 8000; i++ {
		counts[(uint64(HashUint64(i, seed))>>7)%shards]++
	}
	stats := NewDistributionStats(counts)
	if stats.MinMaxRatio < 0.7 {
		t.Errorf("Expected sequential ids to spread evenly, got %+v", stats)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.MedianEstimate() != 0 {
		t.Errorf("Expected empty histogram median 0")
	}
	for i := 0; i < 10; i++ {
		h.AddSample(100)
	}
	h.AddSample(10000)

	if h.GetCount() != 11 {
		t.Errorf("Expected 11 samples, got %d", h.GetCount())
	}
	if median := h.MedianEstimate(); median < 64 || median > 256 {
		t.Errorf("Expected median in (64, 256], got %d", median)
	}
	if avg := h.AverageSize(); avg != (10*100+10000)/11 {
		t.Errorf("Unexpected average %d", avg)
	}
	h.Reset()
	if h.GetCount() != 0 {
		t.Errorf("Expected Reset to clear samples")
	}
}

func TestSizeHistogramRemove(t *testing.T) {
	h := NewSizeHistogram()
	h.AddSample(10)
	h.AddSample(5000)
	h.RemoveSample(5000)
	h.RemoveSample(1 << 40) // never added
	if h.GetCount() != 1 || h.AverageSize() != 10 {
		t.Errorf("Expected one sample of 10, got count %d avg %d", h.GetCount(), h.AverageSize())
	}
	if p := h.GetPercentileEstimate(100); p != 8 {
		t.Errorf("Expected p100 8, got %d", p)
	}
}
