package normalizer

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Canonical field names used as FieldMap keys.
const (
	FieldTimestamp       = "timestamp"
	FieldAgentName       = "agent_name"
	FieldAgentID         = "agent_id"
	FieldAgentIP         = "agent_ip"
	FieldRuleLevel       = "rule_level"
	FieldRuleDescription = "rule_description"
	FieldSrcIP           = "src_ip"
	FieldDestIP          = "dest_ip"
	FieldProtocol        = "protocol"
	FieldNativeID        = "native_id"
)

// FieldMap lists, per canonical field, the source paths tried in priority
// order.
type FieldMap map[string][]string

// DefaultFieldMap returns fallback paths for Wazuh-style alerts and common
// flat log shapes.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		FieldTimestamp:       {"timestamp", "@timestamp", "ts", "time", "event.created"},
		FieldAgentName:       {"agent.name", "agent.hostname", "host.name", "hostname", "manager.name"},
		FieldAgentID:         {"agent.id", "host.id"},
		FieldAgentIP:         {"agent.ip", "host.ip"},
		FieldRuleLevel:       {"rule.level", "severity", "level", "event.severity"},
		FieldRuleDescription: {"rule.description", "description", "message", "full_log"},
		FieldSrcIP:           {"data.srcip", "data.src_ip", "srcip", "src_ip", "source.ip"},
		FieldDestIP:          {"data.dstip", "data.dest_ip", "dstip", "dest_ip", "destination.ip"},
		FieldProtocol:        {"data.protocol", "protocol", "network.protocol", "network.transport"},
		FieldNativeID:        {"id", "event.id", "alert_id"},
	}
}

// Merge returns a copy of m with each field in overrides replacing the
// field's path list.
func (m FieldMap) Merge(overrides FieldMap) FieldMap {
	out := make(FieldMap, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range overrides {
		if len(v) == 0 {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Validate rejects unknown canonical field names.
func (m FieldMap) Validate() error {
	known := DefaultFieldMap()
	var unknown []string
	for k := range m {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown canonical fields: %v", unknown)
	}
	return nil
}

// FileConfig is the layout of a standalone field map file.
type FileConfig struct {
	Fields        FieldMap    `yaml:"fields"`
	SeverityWords SeverityMap `yaml:"severity_words"`
}

// LoadFile reads a YAML field map file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read field map file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse field map file: %w", err)
	}
	if err := fc.Fields.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}
