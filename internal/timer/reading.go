// Package timer parses in-game timer readings recognised from stream frames
// and evaluates them against a threshold window.
package timer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reading is one timer value recognised from a frame.
type Reading struct {
	Minutes int
	Seconds int
	Valid   bool
}

// FromSeconds builds a valid reading from a total number of seconds.
func FromSeconds(total int) Reading {
	if total < 0 {
		return Reading{}
	}
	return Reading{Minutes: total / 60, Seconds: total % 60, Valid: true}
}

// Total returns the reading in seconds.
func (r Reading) Total() int {
	return r.Minutes*60 + r.Seconds
}

// String formats the reading as M:SS.
func (r Reading) String() string {
	if !r.Valid {
		return "invalid"
	}
	return fmt.Sprintf("%d:%02d", r.Minutes, r.Seconds)
}

// Detailed holds every timer found in one OCR result.
type Detailed struct {
	RTA Reading
	IGT Reading
}

// Timer returns IGT when present, RTA otherwise.
func (d Detailed) Timer() Reading {
	if d.IGT.Valid {
		return d.IGT
	}
	return d.RTA
}

// timePattern matches M:SS, MM:SS and H:MM:SS with an optional fraction.
var timePattern = regexp.MustCompile(`(\d{1,2}):(\d{2})(?::(\d{2}))?(?:\.\d+)?`)

// Parse extracts the timer from raw OCR text. Overlays that show both RTA and
// IGT yield two timestamps; the second one (IGT) wins.
func Parse(raw string) Reading {
	return ParseDetailed(raw).Timer()
}

// ParseDetailed extracts RTA and IGT readings from raw OCR text.
func ParseDetailed(raw string) Detailed {
	text := FixOCRText(raw)
	matches := timePattern.FindAllStringSubmatchIndex(text, -1)

	var d Detailed
	switch {
	case len(matches) == 0:
	case len(matches) == 1:
		d.RTA = fromMatch(text, matches[0])
	default:
		d.RTA = fromMatch(text, matches[0])
		d.IGT = fromMatch(text, matches[1])
	}
	return d
}

// fromMatch converts one timePattern match, given as submatch offsets into
// text. A sign directly before the minutes makes the timer negative.
func fromMatch(text string, loc []int) Reading {
	if before := text[:loc[0]]; strings.HasSuffix(before, "-") || strings.HasSuffix(before, "\u2212") {
		return Reading{}
	}
	group := func(i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return text[loc[2*i]:loc[2*i+1]]
	}

	a, err1 := strconv.Atoi(group(1))
	b, err2 := strconv.Atoi(group(2))
	if err1 != nil || err2 != nil {
		return Reading{}
	}

	if sec := group(3); sec != "" {
		c, err := strconv.Atoi(sec)
		if err != nil || b >= 60 || c >= 60 {
			return Reading{}
		}
		return Reading{Minutes: a*60 + b, Seconds: c, Valid: true}
	}

	// A leading zero read as 6 or 8 turns 03:47 into 63:47.
	if a >= 60 {
		a %= 10
	}
	if b >= 60 {
		return Reading{}
	}
	return Reading{Minutes: a, Seconds: b, Valid: true}
}

var (
	separatorFix = regexp.MustCompile(`(\d)\s*[-;'.,_]\s*(\d{2})\b`)
	letterDigits = strings.NewReplacer(
		"O", "0", "o", "0", "Q", "0", "D", "0",
		"I", "1", "l", "1", "|", "1",
		"S", "5", "B", "8",
	)
	digitRun = regexp.MustCompile(`[0-9OoQDIl|SB]*[0-9][0-9OoQDIl|SB:]*`)
)

// FixOCRText repairs common tesseract confusions in timer overlays: letters
// read in place of digits and punctuation read in place of the colon.
func FixOCRText(text string) string {
	text = digitRun.ReplaceAllStringFunc(text, letterDigits.Replace)
	return fixSeparators(text)
}

// fixSeparators turns "03-47" into "03:47" but leaves the fraction of
// "03:47.246" alone.
func fixSeparators(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range separatorFix.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && text[start-1] == ':' {
			continue
		}
		if start >= 2 && text[start-2] == ':' {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(text[loc[2]:loc[3]])
		b.WriteByte(':')
		b.WriteString(text[loc[4]:loc[5]])
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// ParseReading parses a configured bound such as "10:00", "1:02:03" or "600".
func ParseReading(s string) (Reading, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reading{}, fmt.Errorf("empty timer value")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return Reading{}, fmt.Errorf("negative timer value %q", s)
		}
		return FromSeconds(n), nil
	}
	m := timePattern.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return Reading{}, fmt.Errorf("timer value %q is not M:SS", s)
	}
	r := fromMatch(s, timePattern.FindStringSubmatchIndex(s))
	if !r.Valid || (m[3] == "" && mustAtoi(m[1]) >= 60) {
		return Reading{}, fmt.Errorf("timer value %q out of range", s)
	}
	return r, nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
