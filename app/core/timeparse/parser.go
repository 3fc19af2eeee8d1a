package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnrecognized = errors.New("timeparse: unrecognized time expression")
	ErrPastTime     = errors.New("timeparse: resolved time is in the past")
)

// Result carries the resolved absolute timestamp and the remaining task
// description with the recognized date/time tokens stripped.
type Result struct {
	At   time.Time
	Task string
}

const defaultHour = 9 // time-of-day assumed when only a date word is given

type span struct {
	start int
	end   int
}

// The patterns carry (?i) so they can run against the original fragment:
// match spans index the bytes they will later strip, which a lowered copy
// cannot guarantee (case-folding can change rune byte length).
var (
	reRelative = regexp.MustCompile(`(?i)(?:\b(?:en|in)\s+|\bdentro\s+de\s+)(\d+)\s*(segundos?|seconds?|secs?|minutos?|minutes?|mins?|horas?|hours?|d[ií]as?|days?|semanas?|weeks?)\b`)
	reDayWord  = regexp.MustCompile(`(?i)\b(pasado\s+ma[ñn]ana|ma[ñn]ana|hoy|tomorrow|today|tonight|esta\s+noche)\b`)
	reWeekday  = regexp.MustCompile(`(?i)\b(?:el\s+|este\s+|pr[oó]ximo\s+|on\s+|next\s+)?(lunes|martes|mi[eé]rcoles|jueves|viernes|s[aá]bado|domingo|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	reClock12  = regexp.MustCompile(`(?i)(?:\ba\s+las?\s+|\bat\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)`)
	reClockAt  = regexp.MustCompile(`(?i)(?:\ba\s+las?\s+|\bat\s+)(\d{1,2})(?::(\d{2}))?\b`)
	reClock24  = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	reNoon     = regexp.MustCompile(`(?i)\b(?:al\s+)?(mediod[ií]a|medianoche|noon|midnight)\b`)
)

// Parse resolves a natural-language time fragment against the reference
// "now" in the given timezone. The triggering keyword must already be
// stripped from text. The result is always expressed in loc and strictly
// after now; fragments with no recognizable time fail with ErrUnrecognized.
func Parse(text string, now time.Time, loc *time.Location) (Result, error) {
	fragment := strings.TrimSpace(text)
	if fragment == "" {
		return Result{}, ErrUnrecognized
	}
	now = now.In(loc)

	var spans []span

	// Relative offsets win over everything else: "en 5 minutos" is
	// computed directly from now.
	if m := reRelative.FindStringSubmatchIndex(fragment); m != nil {
		n, _ := strconv.Atoi(fragment[m[2]:m[3]])
		d := durationUnit(strings.ToLower(fragment[m[4]:m[5]]), n)
		if d <= 0 {
			return Result{}, ErrUnrecognized
		}
		spans = append(spans, span{m[0], m[1]})
		return Result{
			At:   now.Add(d),
			Task: remainingTask(fragment, spans),
		}, nil
	}

	explicitDate := false
	dayOffset := -1
	weekday := -1
	eveningHint := false

	if m := reDayWord.FindStringSubmatchIndex(fragment); m != nil {
		word := collapseSpaces(strings.ToLower(fragment[m[2]:m[3]]))
		switch word {
		case "hoy", "today":
			dayOffset = 0
		case "mañana", "manana", "tomorrow":
			dayOffset = 1
		case "pasado mañana", "pasado manana":
			dayOffset = 2
		case "tonight", "esta noche":
			dayOffset = 0
			eveningHint = true
		}
		explicitDate = true
		spans = append(spans, span{m[0], m[1]})
	}

	if dayOffset < 0 {
		if m := reWeekday.FindStringSubmatchIndex(fragment); m != nil {
			weekday = weekdayIndex(strings.ToLower(fragment[m[2]:m[3]]))
			if weekday >= 0 {
				explicitDate = true
				spans = append(spans, span{m[0], m[1]})
			}
		}
	}

	hour, minute := -1, 0

	if m := reClock12.FindStringSubmatchIndex(fragment); m != nil {
		h, _ := strconv.Atoi(fragment[m[2]:m[3]])
		min := 0
		if m[4] >= 0 {
			min, _ = strconv.Atoi(fragment[m[4]:m[5]])
		}
		meridiem := strings.ReplaceAll(strings.ToLower(fragment[m[6]:m[7]]), ".", "")
		if meridiem == "pm" && h != 12 {
			h += 12
		} else if meridiem == "am" && h == 12 {
			h = 0
		}
		if h >= 0 && h <= 23 && min >= 0 && min <= 59 {
			hour, minute = h, min
			spans = append(spans, span{m[0], m[1]})
		}
	}

	if hour < 0 {
		if m := reClock24.FindStringSubmatchIndex(fragment); m != nil {
			h, _ := strconv.Atoi(fragment[m[2]:m[3]])
			min, _ := strconv.Atoi(fragment[m[4]:m[5]])
			if h >= 0 && h <= 23 && min >= 0 && min <= 59 {
				hour, minute = h, min
				spans = append(spans, span{m[0], m[1]})
			}
		}
	}

	if hour < 0 {
		if m := reClockAt.FindStringSubmatchIndex(fragment); m != nil {
			h, _ := strconv.Atoi(fragment[m[2]:m[3]])
			min := 0
			if m[4] >= 0 {
				min, _ = strconv.Atoi(fragment[m[4]:m[5]])
			}
			if h >= 1 && h <= 23 && min >= 0 && min <= 59 {
				// "a las 5" after an evening hint, or in the ambiguous
				// 1-7 range with the morning already gone, reads as pm.
				if h <= 7 && (eveningHint || afternoonLikely(now, dayOffset, h)) {
					h += 12
				}
				hour, minute = h, min
				spans = append(spans, span{m[0], m[1]})
			}
		}
	}

	if hour < 0 {
		if m := reNoon.FindStringSubmatchIndex(fragment); m != nil {
			switch word := strings.ToLower(fragment[m[2]:m[3]]); word {
			case "mediodía", "mediodia", "noon":
				hour, minute = 12, 0
			case "medianoche", "midnight":
				hour, minute = 0, 0
			}
			spans = append(spans, span{m[0], m[1]})
		}
	}

	if !explicitDate && hour < 0 {
		return Result{}, ErrUnrecognized
	}

	if hour < 0 {
		hour = defaultHour
		if eveningHint {
			hour = 20
		}
	}

	base := now
	switch {
	case dayOffset >= 0:
		base = now.AddDate(0, 0, dayOffset)
	case weekday >= 0:
		delta := (weekday - int(now.Weekday()) + 7) % 7
		base = now.AddDate(0, 0, delta)
	}

	at := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, loc)

	if !at.After(now) {
		switch {
		case !explicitDate:
			// Time-of-day already elapsed today rolls to tomorrow.
			at = at.AddDate(0, 0, 1)
		case weekday >= 0:
			at = at.AddDate(0, 0, 7)
		default:
			return Result{}, fmt.Errorf("%w: %s", ErrPastTime, at.Format("2006-01-02 15:04"))
		}
	}

	return Result{
		At:   at,
		Task: remainingTask(fragment, spans),
	}, nil
}

// afternoonLikely reports whether a bare 1-7 hour for the target day should
// be read as pm because the matching am slot is already gone.
func afternoonLikely(now time.Time, dayOffset int, h int) bool {
	if dayOffset > 0 {
		return false
	}
	return now.Hour() >= h
}

func durationUnit(unit string, n int) time.Duration {
	switch {
	case strings.HasPrefix(unit, "seg"), strings.HasPrefix(unit, "sec"):
		return time.Duration(n) * time.Second
	case strings.HasPrefix(unit, "min"):
		return time.Duration(n) * time.Minute
	case strings.HasPrefix(unit, "hora"), strings.HasPrefix(unit, "hour"):
		return time.Duration(n) * time.Hour
	case strings.HasPrefix(unit, "día"), strings.HasPrefix(unit, "dia"), strings.HasPrefix(unit, "day"):
		return time.Duration(n) * 24 * time.Hour
	case strings.HasPrefix(unit, "semana"), strings.HasPrefix(unit, "week"):
		return time.Duration(n) * 7 * 24 * time.Hour
	}
	return 0
}

func weekdayIndex(name string) int {
	switch name {
	case "domingo", "sunday":
		return 0
	case "lunes", "monday":
		return 1
	case "martes", "tuesday":
		return 2
	case "miércoles", "miercoles", "wednesday":
		return 3
	case "jueves", "thursday":
		return 4
	case "viernes", "friday":
		return 5
	case "sábado", "sabado", "saturday":
		return 6
	}
	return -1
}

// remainingTask removes the matched spans from the fragment and tidies the
// leftovers. Best-effort: when removal leaves nothing, the whole fragment
// is the task.
func remainingTask(fragment string, spans []span) string {
	if len(spans) == 0 {
		return fragment
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	cursor := 0
	for _, s := range spans {
		if s.start > cursor {
			b.WriteString(fragment[cursor:s.start])
		}
		if s.end > cursor {
			cursor = s.end
		}
	}
	if cursor < len(fragment) {
		b.WriteString(fragment[cursor:])
	}

	task := collapseSpaces(b.String())
	task = trimConnectors(task)
	if task == "" {
		return fragment
	}
	return task
}

var connectorWords = map[string]bool{
	"que": true, "de": true, "para": true, "a": true, "al": true,
	"el": true, "la": true, "las": true, "los": true, "to": true,
}

func trimConnectors(task string) string {
	words := strings.Fields(task)
	for len(words) > 0 && connectorWords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && connectorWords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
