package parser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/weiawesome/cdc-search-bridge/internal/domain"
)

// Parser decodes raw stream messages into typed change envelopes.
// It performs no I/O; every failure is a *domain.ParseError.
type Parser struct{}

// New creates an envelope parser.
func New() *Parser {
	return &Parser{}
}

// payload mirrors the inner Debezium change-event payload. Messages may
// arrive either wrapped ({"schema":…,"payload":{…}}) or flat, depending on
// the connector's converter settings; unwrap handles both.
type payload struct {
	Op     string                 `json:"op"`
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Source struct {
		Schema string `json:"schema"`
		Table  string `json:"table"`
		TsMs   int64  `json:"ts_ms"`
	} `json:"source"`
	TsMs int64 `json:"ts_ms"`
}

// Parse decodes one raw message. A nil value body is a tombstone and is
// never an error; the envelope is derived from the key and topic alone.
func (p *Parser) Parse(msg domain.RawMessage) (domain.ChangeEnvelope, error) {
	schema, table := splitTopic(msg.Topic)

	key, err := parseKey(msg.Key)
	if err != nil {
		return domain.ChangeEnvelope{}, err
	}

	if msg.IsTombstone() {
		return domain.ChangeEnvelope{
			Operation: domain.OpTombstone,
			Key:       key,
			Schema:    schema,
			Table:     table,
		}, nil
	}

	if len(key) == 0 {
		return domain.ChangeEnvelope{}, domain.NewParseError(domain.ErrMissingKey,
			"message on topic %q has no key", msg.Topic)
	}

	var pl payload
	if err := json.Unmarshal(unwrap(msg.Value), &pl); err != nil {
		return domain.ChangeEnvelope{}, domain.NewParseError(domain.ErrMalformedEnvelope,
			"invalid envelope JSON: %v", err)
	}

	op, err := mapOpCode(pl.Op)
	if err != nil {
		return domain.ChangeEnvelope{}, err
	}

	if err := validateBodies(op, pl.Before, pl.After); err != nil {
		return domain.ChangeEnvelope{}, err
	}

	if pl.Source.Schema != "" {
		schema = pl.Source.Schema
	}
	if pl.Source.Table != "" {
		table = pl.Source.Table
	}

	// Snapshot reads are downstream-identical to creates; normalise here
	// so the mapper never needs to care.
	if op == domain.OpSnapshot {
		op = domain.OpCreate
	}

	return domain.ChangeEnvelope{
		Operation:   op,
		Key:         key,
		Before:      pl.Before,
		After:       pl.After,
		Schema:      schema,
		Table:       table,
		SourceTsMs:  pl.Source.TsMs,
		EmittedTsMs: pl.TsMs,
	}, nil
}

func mapOpCode(code string) (domain.Operation, error) {
	switch code {
	case "c":
		return domain.OpCreate, nil
	case "r":
		return domain.OpSnapshot, nil
	case "u":
		return domain.OpUpdate, nil
	case "d":
		return domain.OpDelete, nil
	default:
		return "", domain.NewParseError(domain.ErrUnknownOperation,
			"unknown op code %q", code)
	}
}

func validateBodies(op domain.Operation, before, after map[string]interface{}) error {
	switch op {
	case domain.OpCreate, domain.OpSnapshot:
		if after == nil {
			return domain.NewParseError(domain.ErrMalformedEnvelope,
				"%s event without after body", op)
		}
		if before != nil {
			return domain.NewParseError(domain.ErrMalformedEnvelope,
				"%s event carries a before body", op)
		}
	case domain.OpUpdate:
		if after == nil {
			return domain.NewParseError(domain.ErrMalformedEnvelope,
				"update event without after body")
		}
		if before == nil {
			return domain.NewParseError(domain.ErrMalformedEnvelope,
				"update event without before body")
		}
	case domain.OpDelete:
		if before == nil {
			return domain.NewParseError(domain.ErrMalformedEnvelope,
				"delete event without before body")
		}
		if after != nil {
			return domain.NewParseError(domain.ErrMalformedEnvelope,
				"delete event carries an after body")
		}
	}
	return nil
}

// parseKey decodes the message key as an ordered field list. JSON objects
// decoded into maps lose field order, so the token stream is walked
// directly; composite document ids depend on the declared order.
func parseKey(raw []byte) (domain.DocumentKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	raw = unwrap(raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, domain.NewParseError(domain.ErrMalformedEnvelope,
			"invalid key JSON: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, domain.NewParseError(domain.ErrMalformedEnvelope,
			"key is not a JSON object")
	}

	var key domain.DocumentKey
	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return nil, domain.NewParseError(domain.ErrMalformedEnvelope,
				"invalid key JSON: %v", err)
		}
		name := nameTok.(string)

		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, domain.NewParseError(domain.ErrMalformedEnvelope,
				"invalid key JSON: %v", err)
		}

		s, err := scalarString(v)
		if err != nil {
			return nil, domain.NewParseError(domain.ErrMalformedEnvelope,
				"key field %q is not a scalar", name)
		}
		key = append(key, domain.KeyField{Name: name, Value: s})
	}

	return key, nil
}

func scalarString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", domain.NewParseError(domain.ErrMalformedEnvelope, "non-scalar value")
	}
}

// unwrap strips the Debezium {"schema":…,"payload":…} wrapper when both
// members are present, returning the payload bytes unchanged otherwise.
func unwrap(raw []byte) []byte {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return raw
	}
	pl, hasPayload := outer["payload"]
	if _, hasSchema := outer["schema"]; hasSchema && hasPayload {
		return pl
	}
	return raw
}

// splitTopic derives schema and table from the stream naming convention
// "<prefix>.<schema>.<table>". Tombstones have no envelope body, so the
// topic is the only place their table identity can come from.
func splitTopic(topic string) (schema, table string) {
	parts := strings.Split(topic, ".")
	if len(parts) < 3 {
		if len(parts) == 2 {
			return parts[0], parts[1]
		}
		return "", topic
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
