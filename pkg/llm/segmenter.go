package llm

import (
	"strings"
	"unicode/utf8"
)

// Default sentence segmentation parameters. The hard terminators cover both
// Japanese full-width punctuation and Western punctuation; the ASCII period
// and question/exclamation marks require a trailing space to avoid cutting
// decimals and abbreviations mid-number.
var (
	DefaultSplitChars       = []string{"。", "？", "！", ". ", "?", "!"}
	DefaultOptionSplitChars = []string{"、", ", "}
)

// DefaultOptionSplitThreshold is the buffer length (in runes) above which
// soft terminators become eligible cut points.
const DefaultOptionSplitThreshold = 50

// segmenter accumulates streamed text deltas and cuts them into sentences.
//
// Hard terminators (splitChars) always cut immediately after their
// occurrence. Soft terminators (optionSplitChars) cut only once the running
// buffer exceeds threshold runes, and then at the last occurrence, keeping
// long clause-heavy sentences from delaying synthesis indefinitely.
//
// The cut positions are tracked directly on the buffer; no sentinel
// characters are inserted into the text.
type segmenter struct {
	splitChars       []string
	optionSplitChars []string
	threshold        int
	buf              string
}

func newSegmenter(splitChars, optionSplitChars []string, threshold int) *segmenter {
	if len(splitChars) == 0 {
		splitChars = DefaultSplitChars
	}
	if len(optionSplitChars) == 0 {
		optionSplitChars = DefaultOptionSplitChars
	}
	if threshold <= 0 {
		threshold = DefaultOptionSplitThreshold
	}
	return &segmenter{
		splitChars:       splitChars,
		optionSplitChars: optionSplitChars,
		threshold:        threshold,
	}
}

// Push appends delta to the buffer and returns every complete segment that
// can be cut, in order. The trailing partial segment stays buffered.
func (s *segmenter) Push(delta string) []string {
	s.buf += delta

	var segments []string
	for {
		cut := s.earliestHardCut()
		if cut < 0 {
			break
		}
		segments = append(segments, s.buf[:cut])
		s.buf = s.buf[cut:]
	}

	if utf8.RuneCountInString(s.buf) > s.threshold {
		if cut := s.lastSoftCut(); cut > 0 {
			segments = append(segments, s.buf[:cut])
			s.buf = s.buf[cut:]
		}
	}
	return segments
}

// Flush returns any buffered residue as a final segment and resets the
// buffer. Returns "" when nothing is pending.
func (s *segmenter) Flush() string {
	rest := s.buf
	s.buf = ""
	return rest
}

// earliestHardCut returns the byte offset just past the earliest hard
// terminator in the buffer, or -1 when none is present.
func (s *segmenter) earliestHardCut() int {
	start, end := -1, -1
	for _, sc := range s.splitChars {
		i := strings.Index(s.buf, sc)
		if i < 0 {
			continue
		}
		if start == -1 || i < start {
			start, end = i, i+len(sc)
		}
	}
	if start == -1 {
		return -1
	}
	return end
}

// lastSoftCut returns the byte offset just past the last soft terminator in
// the buffer, or -1 when none is present.
func (s *segmenter) lastSoftCut() int {
	start, end := -1, -1
	for _, oc := range s.optionSplitChars {
		i := strings.LastIndex(s.buf, oc)
		if i < 0 {
			continue
		}
		if i > start {
			start, end = i, i+len(oc)
		}
	}
	if start == -1 {
		return -1
	}
	return end
}
