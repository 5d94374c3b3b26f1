package services

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// The poll cursor is an opaque string with four interpretations: ISO date,
// numeric fractional timestamp (Slack ts), RFC 2822 date, or a structured
// value signature for dateless items. Comparison dispatches on syntactic
// shape; mismatched shapes admit items by default so a service switching
// cursor flavors never silently drops data.

type cursorKind int

const (
	cursorEmpty cursorKind = iota
	cursorISO
	cursorNumeric
	cursorRFC2822
	cursorSignature
)

var (
	isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	numericPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// rfc2822Layouts cover the weekday-prefixed date strings some APIs emit.
// Lexicographic comparison is wrong for these; they parse to epoch first.
var rfc2822Layouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

func classifyCursor(s string) cursorKind {
	switch {
	case s == "":
		return cursorEmpty
	case isoDatePattern.MatchString(s):
		return cursorISO
	case numericPattern.MatchString(s):
		return cursorNumeric
	default:
		if _, ok := parseRFC2822(s); ok {
			return cursorRFC2822
		}
		return cursorSignature
	}
}

func parseRFC2822(s string) (time.Time, bool) {
	for _, layout := range rfc2822Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CursorNewer reports whether candidate is strictly newer than cursor under
// the cursor's comparator. An empty cursor admits everything; signature
// cursors admit on difference; shape mismatches admit by default.
func CursorNewer(candidate, cursor string) bool {
	if cursor == "" {
		return true
	}
	if candidate == "" {
		return false
	}
	ck, cuk := classifyCursor(candidate), classifyCursor(cursor)
	if ck != cuk {
		return true
	}
	switch ck {
	case cursorISO:
		// ISO dates order lexicographically.
		return candidate > cursor
	case cursorNumeric:
		a, errA := strconv.ParseFloat(candidate, 64)
		b, errB := strconv.ParseFloat(cursor, 64)
		if errA != nil || errB != nil {
			return true
		}
		return a > b
	case cursorRFC2822:
		a, okA := parseRFC2822(candidate)
		b, okB := parseRFC2822(cursor)
		if !okA || !okB {
			return true
		}
		return a.After(b)
	default:
		return candidate != cursor
	}
}

// CursorMax returns the newer of two cursors under the same dispatch rules.
func CursorMax(a, b string) string {
	if CursorNewer(b, a) {
		return b
	}
	return a
}

// itemDateFields are probed in order when extracting an item's timestamp.
var itemDateFields = []string{
	"day", "date", "timestamp", "ts", "created_at", "created", "added_at",
	"completed_at", "updated_at", "start_time", "startTime", "time",
	"dateTime", "due_date",
}

// ExtractItemDate pulls the best available date/timestamp string from a
// polled item. Returns "" when the item carries no date at all.
func ExtractItemDate(item any) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	for _, field := range itemDateFields {
		switch v := obj[field].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case map[string]any:
			// Calendar-style nested {dateTime|date} objects.
			if s, ok := v["dateTime"].(string); ok && s != "" {
				return s
			}
			if s, ok := v["date"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// ValueSignature derives a change signature for items without dates, so
// state-style sources (presence, status, task completion) still distinguish
// seen from new.
func ValueSignature(item any) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return fmt.Sprintf("value:%v", item)
	}
	if p, ok := obj["presence"].(string); ok {
		return "presence:" + p
	}
	if st, ok := obj["status"].(map[string]any); ok {
		text := stringify(st["status_text"])
		emoji := stringify(st["status_emoji"])
		return "status:" + text + "|" + emoji
	}
	if id, ok := obj["id"]; ok {
		if completed, ok := obj["completed"]; ok {
			return fmt.Sprintf("task:%v:%v", id, completed)
		}
	}
	if state, ok := obj["state"]; ok {
		return fmt.Sprintf("state:%v", state)
	}
	if status, ok := obj["status"]; ok {
		return fmt.Sprintf("status:%v", status)
	}
	return ""
}

// itemArrayShells are the well-known wrapper keys polled tool outputs hide
// their item arrays under.
var itemArrayShells = []string{"data", "items", "files", "events", "tasks", "sleep"}

// ExtractItems normalizes a raw tool output into a list of items: known
// array shells, a summary object wrapped into a singleton, the output itself
// when already an array, or a wrapped primitive.
func ExtractItems(output any) []any {
	switch v := output.(type) {
	case nil:
		return nil
	case []any:
		return v
	case map[string]any:
		for _, shell := range itemArrayShells {
			if arr, ok := v[shell].([]any); ok {
				return arr
			}
		}
		if summary, ok := v["summary"].(map[string]any); ok {
			return []any{summary}
		}
		return []any{v}
	default:
		return []any{map[string]any{"message": v}}
	}
}
