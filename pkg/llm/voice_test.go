package llm

import "testing"

func TestRemoveControlTags(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "こんにちは。", "こんにちは。"},
		{"control directive stripped", "[face:smile]やったー！", "やったー！"},
		{"markup tags stripped", "<thinking>考え中</thinking>", "考え中"},
		{"mixed", " [mood:calm]It is <em>fine</em>. ", "It is fine."},
		{"only tags leaves empty", "[face:wink]", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := removeControlTags(tt.in); got != tt.want {
				t.Errorf("removeControlTags(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestVoiceFilterUntagged(t *testing.T) {
	v := newVoiceFilter("")
	if got := v.Apply("[face:smile]了解です。"); got != "了解です。" {
		t.Errorf("Apply = %q", got)
	}
	if got := v.Apply("<note>skip</note> said"); got != "skip said" {
		t.Errorf("Apply = %q", got)
	}
}

func TestVoiceFilterTagged(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		want     []string
	}{
		{
			name:     "open and close in same segment",
			segments: []string{"thinking... <voice>こんにちは。</voice> done"},
			want:     []string{"こんにちは。"},
		},
		{
			name:     "open region spans segments",
			segments: []string{"<voice>今日は", "いい天気。", "ですね。</voice>おわり"},
			want:     []string{"今日は", "いい天気。", "ですね。"},
		},
		{
			name:     "outside region is silent",
			segments: []string{"internal notes.", "<voice>話す。</voice>", "more notes."},
			want:     []string{"", "話す。", ""},
		},
		{
			name:     "close without open state is silent",
			segments: []string{"</voice>stray"},
			want:     []string{""},
		},
		{
			name:     "control tags stripped inside region",
			segments: []string{"<voice>[face:smile]やった！</voice>"},
			want:     []string{"やった！"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVoiceFilter("voice")
			for i, seg := range tt.segments {
				if got := v.Apply(seg); got != tt.want[i] {
					t.Errorf("segment %d: Apply(%q) = %q, want %q", i, seg, got, tt.want[i])
				}
			}
		})
	}
}
