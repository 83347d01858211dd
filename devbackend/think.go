package devbackend

import (
	"regexp"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

var (
	thinkBlockRegex     = regexp.MustCompile(`(?is)<think>.*?</think>`)
	openThinkRegex      = regexp.MustCompile(`(?is)<think>.*`)
	reasoningBlockRegex = regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`)
	multiNewlineRegex   = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// CleanResponse removes reasoning blocks from a complete model answer and
// collapses the blank lines they leave behind.
func CleanResponse(response string) string {
	cleaned := thinkBlockRegex.ReplaceAllString(response, "")
	cleaned = openThinkRegex.ReplaceAllString(cleaned, "")
	cleaned = reasoningBlockRegex.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	return multiNewlineRegex.ReplaceAllString(cleaned, "\n\n")
}

// thinkFilter drops <think>...</think> spans from a token stream. Tags may
// be split across chunks; a possible tag prefix at the end of a chunk is
// held back until the next chunk decides it.
type thinkFilter struct {
	inThink bool
	pending string
}

// indexFold is strings.Index with ASCII case folding.
func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.EqualFold(s[len(s)-n:], tag[:n]) {
			return n
		}
	}
	return 0
}

// Write consumes one chunk and returns the visible text it releases.
func (f *thinkFilter) Write(chunk string) string {
	data := f.pending + chunk
	f.pending = ""

	var out strings.Builder
	for data != "" {
		if f.inThink {
			idx := indexFold(data, thinkClose)
			if idx < 0 {
				if n := partialSuffix(data, thinkClose); n > 0 {
					f.pending = data[len(data)-n:]
				}
				break
			}
			data = data[idx+len(thinkClose):]
			f.inThink = false
			continue
		}

		idx := indexFold(data, thinkOpen)
		if idx < 0 {
			n := partialSuffix(data, thinkOpen)
			out.WriteString(data[:len(data)-n])
			f.pending = data[len(data)-n:]
			break
		}
		out.WriteString(data[:idx])
		data = data[idx+len(thinkOpen):]
		f.inThink = true
	}
	return out.String()
}

// Flush releases text held back at the end of the stream. An unterminated
// think block is dropped.
func (f *thinkFilter) Flush() string {
	if f.inThink {
		f.pending = ""
		return ""
	}
	rest := f.pending
	f.pending = ""
	return rest
}
