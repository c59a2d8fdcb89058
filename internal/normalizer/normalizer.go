// Package normalizer converts heterogeneously shaped raw events into
// canonical records. Each canonical field is resolved by an ordered list of
// extraction rules; the first rule yielding a non-empty value wins.
package normalizer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// Defaults applied when every candidate for a field is empty.
const (
	DefaultAgentName       = "unknown"
	DefaultRuleDescription = "No description"
	DefaultRuleLevel       = "0"
)

// Normalizer resolves canonical fields from raw events.
type Normalizer struct {
	rules    map[string][]Rule
	severity SeverityMap
}

// New builds a Normalizer from a field map and severity table. Fields missing
// from fm fall back to DefaultFieldMap.
func New(fm FieldMap, severity SeverityMap) *Normalizer {
	merged := DefaultFieldMap().Merge(fm)
	n := &Normalizer{
		rules:    make(map[string][]Rule, len(merged)),
		severity: DefaultSeverityWords().Merge(severity),
	}
	for field, paths := range merged {
		rules := make([]Rule, 0, len(paths))
		for _, p := range paths {
			if field == FieldTimestamp {
				rules = append(rules, TimeRule(p))
			} else {
				rules = append(rules, PathRule(p))
			}
		}
		n.rules[field] = rules
	}
	return n
}

// Severity returns the severity table in effect.
func (n *Normalizer) Severity() SeverityMap {
	return n.severity
}

// Normalize converts one raw event. Events with no resolvable timestamp fail
// with *models.MalformedRecordError.
func (n *Normalizer) Normalize(raw models.RawEvent) (*models.Record, error) {
	root, err := decodePayload(raw.Payload)
	if err != nil {
		return nil, &models.MalformedRecordError{SourceID: raw.ID, Reason: err.Error()}
	}
	ev := NewEvent(raw.ID, root)

	tsVal, ok := First(ev, n.rules[FieldTimestamp])
	if !ok {
		return nil, &models.MalformedRecordError{SourceID: raw.ID, Reason: "no resolvable timestamp"}
	}
	ts, _ := tsVal.Time()
	// Backends store microsecond precision.
	ts = ts.UTC().Truncate(time.Microsecond)

	rec := &models.Record{
		Timestamp: ts,
		Agent: models.Agent{
			Name: n.text(ev, FieldAgentName, DefaultAgentName),
			ID:   n.text(ev, FieldAgentID, ""),
			IP:   n.text(ev, FieldAgentIP, ""),
		},
		Rule: models.Rule{
			Level:       n.level(ev),
			Description: n.text(ev, FieldRuleDescription, DefaultRuleDescription),
		},
		RawLog:   root,
		NativeID: n.text(ev, FieldNativeID, ""),
	}

	network := &models.Network{
		SrcIP:    n.text(ev, FieldSrcIP, ""),
		DestIP:   n.text(ev, FieldDestIP, ""),
		Protocol: n.text(ev, FieldProtocol, ""),
	}
	if !network.IsEmpty() {
		rec.Network = network
	}

	key, err := UniqueIdentifier(rec)
	if err != nil {
		return nil, &models.MalformedRecordError{SourceID: raw.ID, Reason: err.Error()}
	}
	rec.UniqueIdentifier = key

	return rec, nil
}

// NormalizeLevel maps a raw level to canonical text: severity words become
// their code and numbers become non-negative integers. Unrecognized text is
// returned unchanged so the post-hoc pass can repair it once configured.
func (n *Normalizer) NormalizeLevel(level string) string {
	level = strings.TrimSpace(level)
	if level == "" {
		return DefaultRuleLevel
	}
	if code, ok := n.severity.Code(level); ok {
		return code
	}
	if f, err := strconv.ParseFloat(level, 64); err == nil {
		return levelFromNumber(f)
	}
	return level
}

func (n *Normalizer) level(ev *Event) string {
	v, ok := First(ev, n.rules[FieldRuleLevel])
	if !ok {
		return DefaultRuleLevel
	}
	if f, isNum := v.Number(); isNum && v.Kind() == KindNumber {
		return levelFromNumber(f)
	}
	return n.NormalizeLevel(v.Text())
}

func (n *Normalizer) text(ev *Event, field, def string) string {
	v, ok := First(ev, n.rules[field])
	if !ok {
		return def
	}
	if s := v.Text(); s != "" {
		return s
	}
	return def
}

func levelFromNumber(f float64) string {
	if f < 0 {
		f = 0
	}
	return strconv.FormatInt(int64(f), 10)
}

// UniqueIdentifier derives the idempotency key of a record: the native id
// joined with the timestamp when a native id exists, otherwise a blake2b-256
// hash of the canonical JSON payload joined with the timestamp.
func UniqueIdentifier(r *models.Record) (string, error) {
	ts := r.Timestamp.UTC().Format(time.RFC3339Nano)
	if r.NativeID != "" {
		return r.NativeID + "|" + ts, nil
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(r.RawLog)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for hashing: %w", err)
	}
	sum := blake2b.Sum256(b)
	return "sha:" + hex.EncodeToString(sum[:]) + "|" + ts, nil
}

func decodePayload(p any) (map[string]any, error) {
	switch x := p.(type) {
	case nil:
		return nil, fmt.Errorf("empty payload")
	case map[string]any:
		return x, nil
	case string:
		return decodeString(x)
	case []byte:
		return decodeString(string(x))
	case json.RawMessage:
		return decodeString(string(x))
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("unsupported payload type %T", p)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("unsupported payload type %T", p)
		}
		return m, nil
	}
}

// decodeString parses JSON text. Text that is not a JSON object is kept
// under "full_log".
func decodeString(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	var m map[string]any
	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m, nil
		}
	}
	return map[string]any{"full_log": s}, nil
}
