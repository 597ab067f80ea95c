// Package packet implements the KDE Connect wire envelope: construction,
// typed field access, JSON (de)serialization and validation, and the
// newline-delimited stream framing shared by every Channel.
package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TypeIdentity and TypePair are the two packet types the core itself
// understands; every other type is opaque and routed to a plugin.
const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
)

// Packet is a parsed, validated wire envelope. The zero value is not
// useful; construct with New.
type Packet struct {
	ID   int64          `json:"id"`
	Type string         `json:"type"`
	Body map[string]any `json:"body"`

	PayloadSize         *int64         `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// New constructs an empty packet of the given type with an empty body.
// id is left at 0; Channel.WritePacket stamps it with the current time
// at write time, per spec §4.2.
func New(packetType string) *Packet {
	return &Packet{
		Type: packetType,
		Body: make(map[string]any),
	}
}

// HasPayload reports whether this packet carries a payload reference:
// payloadTransferInfo is present, and payloadSize (if present) parses as
// an integer — which it always does here, since Unmarshal enforces that.
func (p *Packet) HasPayload() bool {
	return p.PayloadTransferInfo != nil
}

// --- typed body setters ---

func (p *Packet) SetString(key, value string)       { p.Body[key] = value }
func (p *Packet) SetInt(key string, value int64)     { p.Body[key] = value }
func (p *Packet) SetBool(key string, value bool)     { p.Body[key] = value }
func (p *Packet) SetStringArray(key string, value []string) {
	p.Body[key] = value
}
func (p *Packet) SetObject(key string, value map[string]any) {
	p.Body[key] = value
}

// --- typed body getters; all fail silently with the zero value when the
// field is absent or of the wrong type, per spec §4.1 ---

func (p *Packet) GetBool(key string) (bool, bool) {
	v, ok := p.Body[key].(bool)
	return v, ok
}

func (p *Packet) GetNumber(key string) (float64, bool) {
	switch v := p.Body[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (p *Packet) GetInt(key string) (int64, bool) {
	n, ok := p.GetNumber(key)
	if !ok {
		return 0, false
	}
	return int64(n), true
}

// GetString returns false if the value is present but empty: callers
// uniformly treat missing-or-empty as "field not supplied" (spec §4.1).
func (p *Packet) GetString(key string) (string, bool) {
	v, ok := p.Body[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (p *Packet) GetArray(key string) ([]any, bool) {
	v, ok := p.Body[key].([]any)
	return v, ok
}

func (p *Packet) GetObject(key string) (map[string]any, bool) {
	v, ok := p.Body[key].(map[string]any)
	return v, ok
}

func (p *Packet) GetStringArray(key string) ([]string, bool) {
	raw, ok := p.GetArray(key)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Unmarshal parses and validates raw bytes per the rules of spec §4.1:
// root must be an object, type must be a string, body must be an object,
// payloadSize (if present) must be an integer, payloadTransferInfo (if
// present) must be an object, id (if present) must be an integer or
// string.
func Unmarshal(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidData
	}

	// Rule 1: root must be a JSON object.
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := root.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: root is not an object", ErrMalformed)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p := &Packet{Body: make(map[string]any)}

	typeRaw, ok := generic["type"]
	if !ok {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	var typeStr string
	if err := json.Unmarshal(typeRaw, &typeStr); err != nil {
		return nil, fmt.Errorf("%w: type", ErrInvalidField)
	}
	p.Type = typeStr

	bodyRaw, ok := generic["body"]
	if !ok {
		return nil, fmt.Errorf("%w: body", ErrMissingField)
	}
	var body map[string]any
	dBody := json.NewDecoder(bytes.NewReader(bodyRaw))
	dBody.UseNumber()
	if err := dBody.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: body", ErrInvalidField)
	}
	p.Body = normalizeNumbers(body)

	if idRaw, ok := generic["id"]; ok {
		id, err := parseID(idRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: id", ErrInvalidField)
		}
		p.ID = id
	}

	if sizeRaw, ok := generic["payloadSize"]; ok {
		var num json.Number
		if err := json.Unmarshal(sizeRaw, &num); err != nil {
			return nil, fmt.Errorf("%w: payloadSize", ErrInvalidField)
		}
		size, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: payloadSize", ErrInvalidField)
		}
		p.PayloadSize = &size
	}

	if infoRaw, ok := generic["payloadTransferInfo"]; ok {
		var info map[string]any
		dInfo := json.NewDecoder(bytes.NewReader(infoRaw))
		dInfo.UseNumber()
		if err := dInfo.Decode(&info); err != nil {
			return nil, fmt.Errorf("%w: payloadTransferInfo", ErrInvalidField)
		}
		p.PayloadTransferInfo = normalizeNumbers(info)
	}

	return p, nil
}

func parseID(raw json.RawMessage) (int64, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.Int64()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("id is neither an integer nor a numeric string")
}

// normalizeNumbers walks a decoded body replacing json.Number leaves with
// float64, so body values compare naturally for callers and tests.
func normalizeNumbers(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return normalizeMap(m)
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
