package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/tablecall/internal/conversation"
)

// ErrNoJSON is returned by [Parse] when the model output contains no JSON
// object.
var ErrNoJSON = errors.New("no JSON object in model output")

// Parse decodes model output into an extraction. It tolerates markdown code
// fences and prose around the object. Relative dates resolve against today,
// the business-local current time.
//
// Individual malformed fields are dropped rather than failing the turn: an
// unknown intent becomes CHITCHAT, an unparseable date or time stays unset
// and confidence is clamped to [0,1].
func Parse(content string, today time.Time) (*conversation.Extraction, error) {
	raw, err := decodeObject(content)
	if err != nil {
		return nil, err
	}

	ext := &conversation.Extraction{}
	ext.Intent = conversation.ParseIntent(stringField(raw, "intent"))
	ext.PartySize = intField(raw, "party_size")
	ext.Date = ParseDate(stringField(raw, "date"), today)
	ext.Time = ParseTime(stringField(raw, "time"))
	ext.Name = cleanName(stringField(raw, "name"))
	ext.SpecialRequest = strings.TrimSpace(stringField(raw, "special_requests"))
	ext.Confirmed = boolField(raw, "confirmation")

	if c, ok := numberField(raw, "confidence"); ok {
		ext.Confidence = math.Max(0, math.Min(1, c))
	}
	return ext, nil
}

// decodeObject extracts the outermost JSON object from content.
func decodeObject(content string) (map[string]any, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return raw, nil
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func numberField(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intField(raw map[string]any, key string) int {
	f, ok := numberField(raw, key)
	if !ok || f < 1 {
		return 0
	}
	return int(f)
}

func boolField(raw map[string]any, key string) *bool {
	var b bool
	switch v := raw[key].(type) {
	case bool:
		b = v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "haan":
			b = true
		case "false", "no", "nahi":
			b = false
		default:
			return nil
		}
	default:
		return nil
	}
	return &b
}

// cleanName trims whitespace and a trailing "ji" honorific.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	fields := strings.Fields(name)
	if len(fields) > 1 && strings.EqualFold(fields[len(fields)-1], "ji") {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// ParseDate resolves a date expression against today. It accepts "today" /
// "aaj", "tomorrow" / "kal", "day after tomorrow" / "parson", YYYY-MM-DD and
// DD-MM-YYYY. The result is the calendar day at midnight UTC, or the zero
// time when s is empty or unrecognised.
func ParseDate(s string, today time.Time) time.Time {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Time{}
	}
	day := conversation.Day(today)
	switch s {
	case "today", "aaj":
		return day
	case "tomorrow", "kal":
		return day.AddDate(0, 0, 1)
	case "day after tomorrow", "parson":
		return day.AddDate(0, 0, 2)
	}
	for _, layout := range []string{"2006-01-02", "02-01-2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var (
	clockRe    = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	bareHourRe = regexp.MustCompile(`^(\d{1,2})\s*(am|pm)?$`)
)

// ParseTime normalises a time expression to "HH:MM". It accepts "H:MM",
// "HH:MM", an optional am/pm suffix, and a bare hour. A bare hour from 1 to
// 6 without suffix is taken as afternoon. Unrecognised input yields "".
func ParseTime(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	var hour, minute int
	var suffix string
	if m := clockRe.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		suffix = m[3]
	} else if m := bareHourRe.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		suffix = m[2]
		if suffix == "" && hour >= 1 && hour <= 6 {
			hour += 12
		}
	} else {
		return ""
	}

	switch suffix {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
