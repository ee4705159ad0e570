package session

import "strings"

// InterimWordThreshold lets the gate fire early on long interim
// transcripts that are already unambiguous; short ones always wait for
// finality to avoid responding to fragments.
const InterimWordThreshold = 8

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// ShouldProcess decides whether accumulated transcript text is a complete
// utterance worth a response turn. Empty or whitespace-only text never
// triggers processing regardless of flags.
func ShouldProcess(text string, isFinal bool) bool {
	words := WordCount(text)
	if words == 0 {
		return false
	}
	return isFinal || words >= InterimWordThreshold
}
