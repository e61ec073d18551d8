package llm

import (
	"reflect"
	"strings"
	"testing"
)

func TestSegmenterHardCuts(t *testing.T) {
	tests := []struct {
		name    string
		deltas  []string
		want    []string
		residue string
	}{
		{
			name:   "japanese sentence terminators",
			deltas: []string{"こんにちは。", "今日はいい", "天気ですね。"},
			want:   []string{"こんにちは。", "今日はいい天気ですね。"},
		},
		{
			name:   "terminator split across deltas",
			deltas: []string{"今日はいい天気", "ですね。外に出ま", "しょう。"},
			want:   []string{"今日はいい天気ですね。", "外に出ましょう。"},
		},
		{
			name:    "ascii period requires trailing space",
			deltas:  []string{"Pi is 3.14", "159 and that is fine. Next"},
			want:    []string{"Pi is 3.14159 and that is fine. "},
			residue: "Next",
		},
		{
			name:   "question and exclamation",
			deltas: []string{"本当？", "すごい！"},
			want:   []string{"本当？", "すごい！"},
		},
		{
			name:    "no terminator stays buffered",
			deltas:  []string{"未完の", "文章"},
			want:    nil,
			residue: "未完の文章",
		},
		{
			name:   "multiple sentences in one delta",
			deltas: []string{"一。二。三。"},
			want:   []string{"一。", "二。", "三。"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSegmenter(nil, nil, 0)
			var got []string
			for _, d := range tt.deltas {
				got = append(got, s.Push(d)...)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("segments = %q, want %q", got, tt.want)
			}
			if rest := s.Flush(); rest != tt.residue {
				t.Errorf("residue = %q, want %q", rest, tt.residue)
			}
		})
	}
}

func TestSegmenterSoftCut(t *testing.T) {
	s := newSegmenter(nil, nil, 10)

	// Below threshold: the soft terminator alone does not cut.
	if got := s.Push("まず、次に"); len(got) != 0 {
		t.Fatalf("below threshold cut = %q, want none", got)
	}

	// Pushing past the threshold cuts at the LAST soft terminator.
	got := s.Push("、そして最後にまとめ")
	want := []string{"まず、次に、"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("soft cut = %q, want %q", got, want)
	}
	if rest := s.Flush(); rest != "そして最後にまとめ" {
		t.Errorf("residue = %q", rest)
	}
}

func TestSegmenterSoftCutWestern(t *testing.T) {
	s := newSegmenter(nil, nil, 20)
	long := "one, two, three and four and five"
	got := s.Push(long)
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1", len(got))
	}
	if got[0] != "one, two, " {
		t.Errorf("segment = %q, want %q", got[0], "one, two, ")
	}
}

func TestSegmenterThresholdCountsRunes(t *testing.T) {
	// 12 multibyte runes with a soft terminator; a byte-based threshold of
	// 20 would cut, a rune-based one must not.
	s := newSegmenter(nil, nil, 20)
	if got := s.Push(strings.Repeat("あ", 5) + "、" + strings.Repeat("い", 6)); len(got) != 0 {
		t.Errorf("cut below rune threshold: %q", got)
	}
}

func TestSegmenterFlushResets(t *testing.T) {
	s := newSegmenter(nil, nil, 0)
	s.Push("partial")
	if got := s.Flush(); got != "partial" {
		t.Fatalf("Flush = %q", got)
	}
	if got := s.Flush(); got != "" {
		t.Fatalf("second Flush = %q, want empty", got)
	}
}
