package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

const selectColumns = `id, unique_identifier, native_id, ts, agent_name, agent_id, agent_ip,
	rule_level, rule_description, src_ip, dest_ip, protocol, raw_log,
	created_at, updated_at, original_created_at, original_updated_at`

const insertColumns = `unique_identifier, native_id, ts, agent_name, agent_id, agent_ip,
	rule_level, rule_description, src_ip, dest_ip, protocol, raw_log,
	original_created_at, original_updated_at`

// columns maps canonical field paths to table columns.
var columns = map[string]string{
	store.FieldTimestamp:        "ts",
	store.FieldRuleLevel:        "rule_level",
	store.FieldAgentName:        "agent_name",
	store.FieldUniqueIdentifier: "unique_identifier",
	store.FieldNativeID:         "native_id",
}

func bulkInsertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT u.uid, NULLIF(u.nid, ''), u.ts, u.agent_name, NULLIF(u.agent_id, ''), NULLIF(u.agent_ip, ''),
		       u.lvl, u.descr, NULLIF(u.src, ''), NULLIF(u.dst, ''), NULLIF(u.proto, ''), u.raw::jsonb,
		       u.oca, u.oua
		FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::text[], $5::text[], $6::text[],
		            $7::text[], $8::text[], $9::text[], $10::text[], $11::text[], $12::text[],
		            $13::timestamptz[], $14::timestamptz[])
		     AS u(uid, nid, ts, agent_name, agent_id, agent_ip, lvl, descr, src, dst, proto, raw, oca, oua)
		ON CONFLICT DO NOTHING
		RETURNING unique_identifier
	`, table, insertColumns)
}

func singleInsertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), NULLIF($6, ''),
		        $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12::jsonb,
		        $13, $14)
		ON CONFLICT DO NOTHING
		RETURNING unique_identifier
	`, table, insertColumns)
}

// row is one record flattened to insert parameters.
type row struct {
	uid, nid                    string
	ts                          time.Time
	agentName, agentID, agentIP string
	level, desc                 string
	src, dst, proto             string
	raw                         pgtype.Text
	oca, oua                    pgtype.Timestamptz
}

func toRow(r *models.Record) (row, error) {
	out := row{
		uid:       r.UniqueIdentifier,
		nid:       r.NativeID,
		ts:        r.Timestamp.UTC(),
		agentName: r.Agent.Name,
		agentID:   r.Agent.ID,
		agentIP:   r.Agent.IP,
		level:     r.Rule.Level,
		desc:      r.Rule.Description,
		oca:       timestamptz(r.OriginalCreatedAt),
		oua:       timestamptz(r.OriginalUpdatedAt),
	}
	if r.Network != nil {
		out.src, out.dst, out.proto = r.Network.SrcIP, r.Network.DestIP, r.Network.Protocol
	}
	if r.RawLog != nil {
		b, err := json.Marshal(r.RawLog)
		if err != nil {
			return row{}, fmt.Errorf("failed to encode raw log: %w", err)
		}
		out.raw = pgtype.Text{String: string(b), Valid: true}
	}
	return out, nil
}

func (r row) args() []any {
	return []any{
		r.uid, r.nid, r.ts, r.agentName, r.agentID, r.agentIP,
		r.level, r.desc, r.src, r.dst, r.proto, r.raw,
		r.oca, r.oua,
	}
}

// bulkArgs transposes rows into the column arrays consumed by unnest.
func bulkArgs(rows []row) []any {
	n := len(rows)
	text := func() []string { return make([]string, n) }
	stamps := func() []pgtype.Timestamptz { return make([]pgtype.Timestamptz, n) }

	uid, nid, agentName, agentID, agentIP := text(), text(), text(), text(), text()
	level, desc, src, dst, proto := text(), text(), text(), text(), text()
	ts := make([]time.Time, n)
	raw := make([]pgtype.Text, n)
	oca, oua := stamps(), stamps()

	for i, r := range rows {
		uid[i], nid[i], ts[i] = r.uid, r.nid, r.ts
		agentName[i], agentID[i], agentIP[i] = r.agentName, r.agentID, r.agentIP
		level[i], desc[i] = r.level, r.desc
		src[i], dst[i], proto[i] = r.src, r.dst, r.proto
		raw[i], oca[i], oua[i] = r.raw, r.oca, r.oua
	}
	return []any{uid, nid, ts, agentName, agentID, agentIP, level, desc, src, dst, proto, raw, oca, oua}
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func scanRecord(rows pgx.Rows) (*models.Record, error) {
	var (
		r                                    models.Record
		nativeID, agentID, agentIP           pgtype.Text
		src, dst, proto                      pgtype.Text
		raw                                  []byte
		originalCreatedAt, originalUpdatedAt pgtype.Timestamptz
	)
	err := rows.Scan(
		&r.Seq, &r.UniqueIdentifier, &nativeID, &r.Timestamp, &r.Agent.Name, &agentID, &agentIP,
		&r.Rule.Level, &r.Rule.Description, &src, &dst, &proto, &raw,
		&r.CreatedAt, &r.UpdatedAt, &originalCreatedAt, &originalUpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	r.Timestamp = r.Timestamp.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.NativeID = nativeID.String
	r.Agent.ID = agentID.String
	r.Agent.IP = agentIP.String

	network := &models.Network{SrcIP: src.String, DestIP: dst.String, Protocol: proto.String}
	if !network.IsEmpty() {
		r.Network = network
	}
	if originalCreatedAt.Valid {
		t := originalCreatedAt.Time.UTC()
		r.OriginalCreatedAt = &t
	}
	if originalUpdatedAt.Valid {
		t := originalUpdatedAt.Time.UTC()
		r.OriginalUpdatedAt = &t
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.RawLog); err != nil {
			return nil, fmt.Errorf("failed to decode raw log of %s: %w", r.UniqueIdentifier, err)
		}
	}
	return &r, nil
}

// whereBuilder accumulates SQL predicates with positional arguments.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) filter(f models.Filter) {
	if !f.From.IsZero() {
		w.add("ts >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		w.add("ts <= ?", f.To.UTC())
	}
	if len(f.Levels) > 0 {
		w.add("rule_level = ANY(?)", f.Levels)
	}
	if f.AgentName != "" {
		w.add("agent_name = ?", f.AgentName)
	}
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// nextArg returns the placeholder for the next positional argument.
func (w *whereBuilder) nextArg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func indexSQL(table string, spec store.IndexSpec) (string, error) {
	parts := make([]string, 0, len(spec.Fields))
	for _, f := range spec.Fields {
		col, ok := columns[f.Path]
		if !ok {
			return "", fmt.Errorf("no column for field %q", f.Path)
		}
		if f.Desc {
			col += " DESC"
		}
		parts = append(parts, col)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("index %s has no fields", spec.Name)
	}

	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	name := pgx.Identifier{table + "_" + spec.Name}.Sanitize()
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, name, pgx.Identifier{table}.Sanitize(), strings.Join(parts, ", ")), nil
}
