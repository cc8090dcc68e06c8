package index

import (
	"regexp"
	"strings"

	"lecture-assistant/pkg/models"
)

const wordPunctuation = `.,!?";`

// NormalizeWord lower-cases w and strips surrounding punctuation.
func NormalizeWord(w string) string {
	return strings.Trim(strings.ToLower(w), wordPunctuation)
}

// Align estimates the time span of a window from the global word list.
//
// The start is the first word in words matching the window's first word, the end
// the last word in words matching the window's last word. Bounds without a match
// are 0. The match is by text only, so a word that recurs elsewhere in the lecture
// can pull a bound away from the window's true position.
func Align(window string, words []models.WordTimestamp) (start, end float64) {
	fields := strings.Fields(window)
	if len(fields) == 0 {
		return 0, 0
	}
	first := NormalizeWord(fields[0])
	last := NormalizeWord(fields[len(fields)-1])

	for _, w := range words {
		if NormalizeWord(w.Word) == first {
			start = w.Start
			break
		}
	}
	for i := len(words) - 1; i >= 0; i-- {
		if NormalizeWord(words[i].Word) == last {
			end = words[i].End
			break
		}
	}
	return start, end
}

var (
	invalidChars   = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	leadingJunk    = regexp.MustCompile(`^[^a-zA-Z0-9]+`)
	trailingJunk   = regexp.MustCompile(`[^a-zA-Z0-9]+$`)
	extensionRegex = regexp.MustCompile(`\.[^.]+$`)
)

// Sanitize maps a filename onto the character set allowed in collection names.
func Sanitize(name string) string {
	name = invalidChars.ReplaceAllString(name, "_")
	name = leadingJunk.ReplaceAllString(name, "")
	name = trailingJunk.ReplaceAllString(name, "")
	return extensionRegex.ReplaceAllString(name, "")
}

// CollectionName is the collection a job's windows are stored in.
func CollectionName(jobID string) string {
	return "lecture_" + Sanitize(jobID)
}
