package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)
	bracketPattern  = regexp.MustCompile(`\[(-?\d+)\]`)
	// A value that is exactly one template and nothing else.
	wholeTemplatePattern = regexp.MustCompile(`^\{\{[^}]+\}\}$`)
)

// GetPath walks a dotted path over decoded JSON data. Array indices are
// numeric segments ('data.0.score' or 'data[0].score'); -1 addresses the last
// element. Objects spread from arrays keep string keys ("0", "1"), which are
// tried before the index. A 0 segment against a plain object without a "0"
// key is skipped so per-item payloads keep matching paths written for arrays.
func GetPath(data any, path string) any {
	if data == nil {
		return nil
	}
	path = bracketPattern.ReplaceAllString(path, ".$1")
	parts := strings.Split(path, ".")
	current := data

	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if current == nil {
			return nil
		}
		if idx, err := strconv.Atoi(part); err == nil {
			switch v := current.(type) {
			case []any:
				j := idx
				if j < 0 {
					j += len(v)
				}
				if j < 0 || j >= len(v) {
					return nil
				}
				current = v[j]
			case map[string]any:
				if val, ok := v[part]; ok {
					current = val
				} else if idx == 0 {
					continue
				} else {
					return nil
				}
			default:
				return nil
			}
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = obj[part]
	}
	return current
}

// builtinVar resolves the date/time variables computed per execution. Date
// values use the user's timezone from context (UTC fallback); now is UTC.
func builtinVar(name string, ctx map[string]any, now time.Time) (string, bool) {
	utcNow := now.UTC()
	userToday := utcNow

	if tzName, ok := GetPath(ctx, "user.timezone").(string); ok && tzName != "" {
		if loc, err := time.LoadLocation(tzName); err == nil {
			userToday = utcNow.In(loc)
		} else {
			logrus.Debugf("invalid timezone %q, falling back to UTC", tzName)
		}
	}

	day := func(t time.Time, offset int) string {
		return t.AddDate(0, 0, offset).Format("2006-01-02")
	}
	stamp := func(t time.Time) string {
		return t.Format("2006-01-02T15:04:05Z")
	}

	switch name {
	case "today", "today_local":
		return day(userToday, 0), true
	case "tomorrow", "tomorrow_local":
		return day(userToday, 1), true
	case "yesterday", "yesterday_local":
		return day(userToday, -1), true
	case "two_days_ago":
		return day(userToday, -2), true
	case "this_week_start":
		// Monday of the current week in the user's timezone.
		offset := (int(userToday.Weekday()) + 6) % 7
		return day(userToday, -offset), true
	case "this_week_end":
		offset := (int(userToday.Weekday()) + 6) % 7
		return day(userToday, 6-offset), true
	case "now":
		return stamp(utcNow), true
	case "now_minus_1h":
		return stamp(utcNow.Add(-1 * time.Hour)), true
	case "now_minus_6h":
		return stamp(utcNow.Add(-6 * time.Hour)), true
	case "now_minus_12h":
		return stamp(utcNow.Add(-12 * time.Hour)), true
	case "now_minus_24h":
		return stamp(utcNow.Add(-24 * time.Hour)), true
	case "today_utc":
		return day(utcNow, 0), true
	case "yesterday_utc":
		return day(utcNow, -1), true
	case "tomorrow_utc":
		return day(utcNow, 1), true
	}
	return "", false
}

// resolveVar resolves a single {{...}} expression to a rendered string.
// Unresolvable paths return ("", false).
func resolveVar(expr string, ctx map[string]any, now time.Time) (string, bool) {
	expr = strings.TrimSpace(expr)

	if v, ok := builtinVar(expr, ctx, now); ok {
		return v, true
	}

	value := GetPath(ctx, expr)
	if value == nil {
		logrus.Debugf("template variable not found: %s", expr)
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), true
		}
		return string(b), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// ResolveTemplate resolves {{variable}} placeholders in a string against the
// execution context. A string with no placeholders is returned unchanged. A
// value that is exactly one unresolvable placeholder resolves to nil so that
// downstream tools see an absent parameter; placeholders embedded in larger
// strings degrade to the empty string.
func ResolveTemplate(template string, ctx map[string]any, now time.Time) any {
	if !strings.Contains(template, "{{") {
		return template
	}

	if wholeTemplatePattern.MatchString(strings.TrimSpace(template)) {
		expr := strings.TrimSpace(template)
		expr = strings.TrimSpace(expr[2 : len(expr)-2])
		v, ok := resolveVar(expr, ctx, now)
		if !ok {
			return nil
		}
		return v
	}

	return templatePattern.ReplaceAllStringFunc(template, func(m string) string {
		expr := m[2 : len(m)-2]
		v, _ := resolveVar(expr, ctx, now)
		return v
	})
}

// ResolveParams recursively resolves template placeholders in a parameter
// map. Strings are templated; nested maps and slices are walked; everything
// else passes through untouched. Parameters that resolve to nil are dropped.
func ResolveParams(params map[string]any, ctx map[string]any, now time.Time) map[string]any {
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		if v := resolveValue(value, ctx, now); v != nil {
			resolved[key] = v
		}
	}
	return resolved
}

func resolveValue(value any, ctx map[string]any, now time.Time) any {
	switch v := value.(type) {
	case string:
		return ResolveTemplate(v, ctx, now)
	case map[string]any:
		return ResolveParams(v, ctx, now)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, resolveValue(item, ctx, now))
		}
		return out
	default:
		return value
	}
}
