package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindNumber
	KindTime
	KindObject
)

// Value is the result of one extraction rule.
type Value struct {
	kind Kind
	str  string
	num  float64
	ts   time.Time
	obj  map[string]any
}

func StringValue(s string) Value         { return Value{kind: KindString, str: s} }
func NumberValue(n float64) Value        { return Value{kind: KindNumber, num: n} }
func TimeValue(t time.Time) Value        { return Value{kind: KindTime, ts: t} }
func ObjectValue(m map[string]any) Value { return Value{kind: KindObject, obj: m} }

func (v Value) Kind() Kind { return v.kind }

// Text renders the value as canonical text. Numbers drop trailing zeros and
// times use RFC3339Nano in UTC.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindTime:
		return v.ts.UTC().Format(time.RFC3339Nano)
	case KindObject:
		b, err := json.Marshal(v.obj)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		n, err := strconv.ParseFloat(v.str, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (v Value) Time() (time.Time, bool) {
	switch v.kind {
	case KindTime:
		return v.ts, true
	case KindString:
		return parseTimeString(v.str)
	case KindNumber:
		return epochTime(v.num)
	default:
		return time.Time{}, false
	}
}

func (v Value) Object() (map[string]any, bool) {
	return v.obj, v.kind == KindObject
}

// IsEmpty reports whether the value carries nothing usable.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNone:
		return true
	case KindString:
		return v.str == ""
	case KindObject:
		return len(v.obj) == 0
	default:
		return false
	}
}

// ValueOf converts a decoded JSON value to a Value.
func ValueOf(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Value{}
	case string:
		return StringValue(strings.TrimSpace(x))
	case float64:
		return NumberValue(x)
	case float32:
		return NumberValue(float64(x))
	case int:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case int32:
		return NumberValue(float64(x))
	case json.Number:
		if n, err := x.Float64(); err == nil {
			return NumberValue(n)
		}
		return StringValue(x.String())
	case bool:
		return StringValue(strconv.FormatBool(x))
	case time.Time:
		return TimeValue(x)
	case map[string]any:
		return ObjectValue(x)
	default:
		return StringValue(fmt.Sprint(x))
	}
}

// Event is a decoded raw payload under extraction. Nested string values that
// hold encoded JSON objects are decoded the first time a path crosses them.
type Event struct {
	ID      string
	Root    map[string]any
	decoded map[string]map[string]any
}

// NewEvent wraps a decoded payload.
func NewEvent(id string, root map[string]any) *Event {
	return &Event{ID: id, Root: root}
}

// Lookup resolves a dotted path. At each level a key containing the rest of
// the path verbatim wins over descending, so flattened keys like
// "agent.name" resolve too.
func (e *Event) Lookup(path string) (any, bool) {
	if path == "" || e.Root == nil {
		return nil, false
	}
	return e.lookup(e.Root, "", path)
}

func (e *Event) lookup(m map[string]any, prefix, rest string) (any, bool) {
	if v, ok := m[rest]; ok {
		return v, true
	}
	head, tail, found := strings.Cut(rest, ".")
	if !found {
		return nil, false
	}
	child, ok := m[head]
	if !ok {
		return nil, false
	}
	at := head
	if prefix != "" {
		at = prefix + "." + head
	}
	next, ok := e.asObject(at, child)
	if !ok {
		return nil, false
	}
	return e.lookup(next, at, tail)
}

func (e *Event) asObject(at string, v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case string:
		if cached, ok := e.decoded[at]; ok {
			return cached, cached != nil
		}
		if e.decoded == nil {
			e.decoded = make(map[string]map[string]any)
		}
		var obj map[string]any
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "{") {
			if err := json.Unmarshal([]byte(s), &obj); err != nil {
				obj = nil
			}
		}
		e.decoded[at] = obj
		return obj, obj != nil
	default:
		return nil, false
	}
}

// Rule extracts one candidate value from an event.
type Rule func(ev *Event) (Value, bool)

// PathRule reads the value at a dotted path.
func PathRule(path string) Rule {
	return func(ev *Event) (Value, bool) {
		raw, ok := ev.Lookup(path)
		if !ok {
			return Value{}, false
		}
		v := ValueOf(raw)
		return v, !v.IsEmpty()
	}
}

// TimeRule reads the value at a dotted path and accepts it only when it
// parses as an instant.
func TimeRule(path string) Rule {
	inner := PathRule(path)
	return func(ev *Event) (Value, bool) {
		v, ok := inner(ev)
		if !ok {
			return Value{}, false
		}
		t, ok := v.Time()
		if !ok {
			return Value{}, false
		}
		return TimeValue(t), true
	}
}

// ConstRule always yields v.
func ConstRule(v Value) Rule {
	return func(*Event) (Value, bool) { return v, true }
}

// First applies rules in order and returns the first non-empty value.
func First(ev *Event, rules []Rule) (Value, bool) {
	for _, r := range rules {
		if v, ok := r(ev); ok && !v.IsEmpty() {
			return v, true
		}
	}
	return Value{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return epochTime(n)
	}
	return time.Time{}, false
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e11

func epochTime(n float64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}
