package tmux

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Marker sentinel appended after shell commands. The shell expands $? at echo
// time, so completed output carries __EXIT__{hash}__{code}__ while the echoed
// command line still shows the literal $? form. Both must be stripped before
// output reaches users.

// expandedMarker matches a marker after shell expansion: hash plus exit code.
var expandedMarker = regexp.MustCompile(`__EXIT__([0-9a-f]{16})__(-?\d+)__`)

const (
	markerSentinel = "__EXIT__"

	// markerTailMax bounds how much trailing text can still belong to a
	// marker cut in half by a capture boundary: sentinel, 16-hex hash,
	// separators, and a signed exit code.
	markerTailMax = 48
)

// markerLine matches any line carrying marker text, expanded or not. Used for
// stripping, since the shell also echoes the command we injected.
var markerLine = regexp.MustCompile(`(?m)^.*__EXIT__[0-9a-f]{16}__.*(\n|$)`)

// NewMarkerHash returns a fresh 16-hex-digit hash, unique per command so
// nested shell composition stays parseable.
func NewMarkerHash() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(uuid.NewString()))
}

// MarkerCommand returns the shell fragment that echoes the exit marker.
func MarkerCommand(hash string) string {
	return fmt.Sprintf(`echo "__EXIT__%s__$?__"`, hash)
}

// FindMarker scans text for an expanded exit marker and returns its hash and
// the command's exit code.
func FindMarker(text string) (hash string, exitCode int, found bool) {
	m := expandedMarker.FindStringSubmatch(text)
	if m == nil {
		return "", 0, false
	}
	code, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], code, true
}

// MarkerTail returns the trailing slice of text that could be the beginning
// of a marker a capture boundary cut in half. Callers hold the fragment back
// and prepend it to the next capture before scanning again; an empty return
// means the text ends cleanly.
func MarkerTail(text string) string {
	if i := strings.LastIndex(text, markerSentinel); i >= 0 {
		rest := text[i:]
		if !expandedMarker.MatchString(rest) &&
			len(rest) <= markerTailMax &&
			!strings.ContainsRune(rest, '\n') {
			return rest
		}
	}
	// The boundary can also land inside the sentinel itself.
	for n := len(markerSentinel) - 1; n > 0; n-- {
		if strings.HasSuffix(text, markerSentinel[:n]) {
			return text[len(text)-n:]
		}
	}
	return ""
}

// StripMarkers removes every line that carries marker text, including the
// echoed injection line where $? is still literal.
func StripMarkers(text string) string {
	if !strings.Contains(text, "__EXIT__") {
		return text
	}
	return markerLine.ReplaceAllString(text, "")
}
