package llm

import (
	"regexp"
	"strings"
)

// Control-tag patterns stripped from spoken text: inline directives of the
// form [face:smile] and markup tags like <thinking> or </answer>.
var (
	controlTagPattern = regexp.MustCompile(`\[(\w+):([^\]]+)\]`)
	markupTagPattern  = regexp.MustCompile(`</?(\w+)>`)
)

// removeControlTags strips control directives and markup tags from text so
// they are never spoken aloud.
func removeControlTags(text string) string {
	clean := controlTagPattern.ReplaceAllString(text, "")
	clean = markupTagPattern.ReplaceAllString(clean, "")
	return strings.TrimSpace(clean)
}

// voiceFilter derives the speech-intended subset of each display segment.
//
// In untagged mode (tag == "") every segment is spoken after control-tag
// stripping. In tagged mode only content between <tag> and </tag> is spoken;
// the inVoiceTag flag carries the open-region state across segment
// boundaries within one turn.
type voiceFilter struct {
	openTag    string
	closeTag   string
	tagged     bool
	inVoiceTag bool
}

func newVoiceFilter(tag string) *voiceFilter {
	if tag == "" {
		return &voiceFilter{}
	}
	return &voiceFilter{
		openTag:  "<" + tag + ">",
		closeTag: "</" + tag + ">",
		tagged:   true,
	}
}

// Apply returns the spoken portion of segment, or "" when the segment
// carries nothing to speak.
func (v *voiceFilter) Apply(segment string) string {
	if !v.tagged {
		return removeControlTags(segment)
	}

	openIdx := strings.Index(segment, v.openTag)
	closeIdx := strings.Index(segment, v.closeTag)

	switch {
	case openIdx >= 0 && closeIdx > openIdx:
		v.inVoiceTag = false
		return removeControlTags(segment[openIdx+len(v.openTag) : closeIdx])

	case openIdx >= 0 && closeIdx < 0:
		v.inVoiceTag = true
		return removeControlTags(segment[openIdx+len(v.openTag):])

	case closeIdx >= 0 && v.inVoiceTag:
		v.inVoiceTag = false
		return removeControlTags(segment[:closeIdx])

	case v.inVoiceTag:
		return removeControlTags(segment)

	default:
		return ""
	}
}
