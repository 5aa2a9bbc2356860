package stitch

import (
	"math"
	"sort"
	"strings"
)

// DefaultOverlapRatio is the fraction of the shorter segment's duration
// that two segments must overlap by before they are duplicate candidates.
const DefaultOverlapRatio = 0.2

// ChunkTiming places one chunk on the session timeline.
type ChunkTiming struct {
	SequenceIndex   int
	OverlapSeconds  float64
	DurationSeconds float64
}

// Segment is one span of transcribed speech. In a chunk's segment list
// times are chunk-relative; in a Transcript they are session-relative.
type Segment struct {
	Start      float64
	End        float64
	Text       string
	Confidence float64
	Provider   string
	ChunkSeq   int
}

func (s Segment) duration() float64 { return s.End - s.Start }

// Transcript is the ordered, deduplicated reconstruction of a session's
// speech. Segments are monotonically non-decreasing in start time.
type Transcript struct {
	Segments []Segment
}

// Text joins the retained segment texts in order.
func (t Transcript) Text() string {
	parts := make([]string, len(t.Segments))
	for i, seg := range t.Segments {
		parts[i] = seg.Text
	}
	return strings.Join(parts, " ")
}

// Offsets computes each chunk's start on the session timeline: the
// previous chunk's start plus its duration, pulled back by the overlap the
// capture client recorded twice. Sequence indices may have gaps; offsets
// are then the best reconstruction from the chunks seen so far.
func Offsets(chunks []ChunkTiming) map[int]float64 {
	ordered := make([]ChunkTiming, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SequenceIndex < ordered[j].SequenceIndex })

	offsets := make(map[int]float64, len(ordered))
	offset := 0.0
	for i, c := range ordered {
		if i > 0 {
			offset += ordered[i-1].DurationSeconds - c.OverlapSeconds
			if offset < 0 {
				offset = 0
			}
		}
		offsets[c.SequenceIndex] = offset
	}
	return offsets
}

// Stitcher merges per-chunk segment lists into session transcripts.
type Stitcher struct {
	overlapRatio float64
}

// New creates a Stitcher. A non-positive overlapRatio selects the default.
func New(overlapRatio float64) *Stitcher {
	if overlapRatio <= 0 {
		overlapRatio = DefaultOverlapRatio
	}
	return &Stitcher{overlapRatio: overlapRatio}
}

// Build rebases every chunk's segments onto the session timeline, orders
// them by start time with chunk sequence as the tie-break, and walks the
// result dropping overlap-window duplicates. The output depends only on
// the set of inputs, never on chunk arrival order.
func (s *Stitcher) Build(chunks []ChunkTiming, segments []Segment) Transcript {
	offsets := Offsets(chunks)

	rebased := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		offset := offsets[seg.ChunkSeq]
		seg.Start += offset
		seg.End += offset
		rebased = append(rebased, seg)
	}

	sort.SliceStable(rebased, func(i, j int) bool {
		if rebased[i].Start != rebased[j].Start {
			return rebased[i].Start < rebased[j].Start
		}
		return rebased[i].ChunkSeq < rebased[j].ChunkSeq
	})

	return Transcript{Segments: s.dedup(nil, rebased)}
}

// Append extends a transcript with one new chunk's segments without
// re-sorting what is already retained. The fast path only applies when the
// new segments all land at or beyond the retained tail; it reports false
// when the chunk reaches further back and the caller must Build from
// scratch.
func (s *Stitcher) Append(t Transcript, chunk ChunkTiming, offset float64, segments []Segment) (Transcript, bool) {
	if len(segments) == 0 {
		return t, true
	}

	rebased := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		seg.Start += offset
		seg.End += offset
		rebased = append(rebased, seg)
	}
	sort.SliceStable(rebased, func(i, j int) bool { return rebased[i].Start < rebased[j].Start })

	if len(t.Segments) > 0 {
		last := t.Segments[len(t.Segments)-1]
		earliest := rebased[0]
		if earliest.Start < last.End-chunk.OverlapSeconds {
			return t, false
		}
		// Appending has to agree with a full rebuild, so the new
		// segments must also sort after the retained tail.
		if earliest.Start < last.Start {
			return t, false
		}
		if earliest.Start == last.Start && chunk.SequenceIndex < last.ChunkSeq {
			return t, false
		}
	}

	retained := make([]Segment, len(t.Segments), len(t.Segments)+len(rebased))
	copy(retained, t.Segments)
	return Transcript{Segments: s.dedup(retained, rebased)}, true
}

// dedup walks candidates in order, appending each to retained unless it
// duplicates the last retained segment: significant temporal overlap and
// the same normalized text. Dropping a candidate does not advance the
// comparison point.
func (s *Stitcher) dedup(retained, candidates []Segment) []Segment {
	for _, candidate := range candidates {
		if len(retained) == 0 {
			retained = append(retained, candidate)
			continue
		}
		last := retained[len(retained)-1]

		overlap := math.Min(candidate.End, last.End) - math.Max(candidate.Start, last.Start)
		if overlap < 0 {
			overlap = 0
		}
		minDuration := math.Min(candidate.duration(), last.duration())

		if overlap > s.overlapRatio*minDuration && normalize(candidate.Text) == normalize(last.Text) {
			continue
		}
		retained = append(retained, candidate)
	}
	return retained
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
