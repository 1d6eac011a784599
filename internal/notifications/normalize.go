package notifications

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Normalize turns an untrusted decoded payload into a Notification.
// It reports false only when the payload has no usable id; every other field
// degrades to a default. now is substituted for missing or unparseable timestamps.
func Normalize(raw map[string]any, now time.Time) (Notification, bool) {
	if raw == nil {
		return Notification{}, false
	}

	id := scalarString(raw["id"])
	if id == "" {
		return Notification{}, false
	}

	kind, entityID := entityRefs(raw)

	n := Notification{
		ID:        id,
		Type:      strings.ToUpper(scalarString(raw["type"])),
		Title:     scalarString(raw["title"]),
		Message:   scalarString(raw["message"]),
		Entity:    Entity{Kind: kind, ID: entityID},
		CreatedAt: parseTimestamp(raw["createdAt"], now),
	}
	if n.Type == "" {
		n.Type = DefaultType
	}
	if read, ok := raw["read"].(bool); ok {
		n.Read = read
	}

	return n, true
}

// NormalizeJSON decodes a single JSON object and normalizes it.
// Invalid JSON and non-object values are treated like a payload without an id.
// Numbers are kept as json.Number so large numeric ids keep every digit.
func NormalizeJSON(data []byte, now time.Time) (Notification, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Notification{}, false
	}
	return Normalize(raw, now)
}

func entityRefs(raw map[string]any) (*string, *string) {
	var kind, id string

	if entity, ok := raw["entity"].(map[string]any); ok {
		kind = scalarString(entity["kind"])
		if kind == "" {
			kind = scalarString(entity["type"])
		}
		id = scalarString(entity["id"])
	}
	if kind == "" {
		kind = scalarString(raw["entityType"])
	}
	if id == "" {
		id = scalarString(raw["entityId"])
	}

	return optional(kind), optional(id)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// scalarString accepts strings and numbers; anything else is empty.
func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func parseTimestamp(value any, now time.Time) time.Time {
	s, ok := value.(string)
	if !ok {
		return now.UTC()
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return now.UTC()
}
