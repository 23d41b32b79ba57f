package fts

import (
	"math"
	"slices"
)

// MergePolicyKind selects the merge strategy.
type MergePolicyKind uint8

const (
	// NoMerge never proposes merges.
	NoMerge MergePolicyKind = iota
	// LogMerge groups segments into logarithmic size levels and merges a
	// level once it holds enough segments.
	LogMerge
)

// MergePolicy is a value describing how a writer picks merge candidates.
type MergePolicy struct {
	Kind MergePolicyKind

	// MinNumSegments is the number of segments a level needs to be merged.
	MinNumSegments int
	// MaxDocsBeforeMerge excludes segments with more live documents.
	MaxDocsBeforeMerge uint32
	// MinLayerSize is the document count below which all segments share a level.
	MinLayerSize uint32
	// LevelLogSize is the log2 width of a level.
	LevelLogSize float64
	// DelDocsRatioBeforeMerge triggers a single segment rewrite once this
	// fraction of its documents is deleted. Values >= 1 disable it.
	DelDocsRatioBeforeMerge float64
}

// NoMergePolicy returns a policy that never merges.
func NoMergePolicy() MergePolicy { return MergePolicy{Kind: NoMerge} }

// LogMergePolicy returns a log merge policy with default thresholds.
func LogMergePolicy() MergePolicy {
	return MergePolicy{
		Kind:                    LogMerge,
		MinNumSegments:          8,
		MaxDocsBeforeMerge:      10_000_000,
		MinLayerSize:            10_000,
		LevelLogSize:            0.75,
		DelDocsRatioBeforeMerge: 1.0,
	}
}

// Candidates returns groups of segments to merge together.
func (p MergePolicy) Candidates(segments []SegmentMeta) [][]SegmentID {
	if p.Kind != LogMerge || len(segments) == 0 {
		return nil
	}
	minSegments := max(p.MinNumSegments, 2)

	var out [][]SegmentID
	var eligible []SegmentMeta
	for _, s := range segments {
		if p.DelDocsRatioBeforeMerge > 0 && p.DelDocsRatioBeforeMerge < 1 && s.MaxDoc > 0 &&
			float64(s.NumDeleted())/float64(s.MaxDoc) >= p.DelDocsRatioBeforeMerge {
			out = append(out, []SegmentID{s.ID})
			continue
		}
		if s.NumDocs() <= p.MaxDocsBeforeMerge {
			eligible = append(eligible, s)
		}
	}

	slices.SortStableFunc(eligible, func(a, b SegmentMeta) int {
		return int(b.NumDocs()) - int(a.NumDocs())
	})

	logSize := func(s SegmentMeta) float64 {
		return math.Log2(float64(max(s.NumDocs(), p.MinLayerSize, 1)))
	}

	var level []SegmentID
	levelStart := math.Inf(1)
	flush := func() {
		if len(level) >= minSegments {
			out = append(out, level)
		}
		level = nil
	}
	for _, s := range eligible {
		ls := logSize(s)
		if ls < levelStart-p.LevelLogSize {
			flush()
			levelStart = ls
		}
		level = append(level, s.ID)
	}
	flush()
	return out
}
