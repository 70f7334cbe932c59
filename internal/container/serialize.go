// Copyright 2025 James Ross
package container

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Serialization format (§4.1). Every textual field — header values, value
// names, and value payloads — is written as a byte-length-prefixed span
// (`<len>:<content>`), so no character escaping is needed to disambiguate
// embedded `]`, `;`, `[`, or `\` inside names, strings, or nested container
// blobs: the declared length is authoritative. Bytes payloads are base64
// encoded (the documented choice for the ambiguous §9 bytes-encoding open
// question) so the resulting blob stays ASCII-safe end to end; nested
// containers embed their own fully self-contained serialized text, itself
// length-prefixed, so decoding recurses without re-escaping.
const (
	headerPrefix = "@header={"
	dataPrefix   = "@data="
)

// Serialize renders the container to the deterministic textual wire format.
// Value order is preserved exactly, per §4.1's ordering invariant.
func (c *Container) Serialize() (string, error) {
	var sb strings.Builder
	sb.WriteString(headerPrefix)
	writeField(&sb, "source", c.header.SourceID)
	writeField(&sb, "source_sub", c.header.SourceSubID)
	writeField(&sb, "target", c.header.TargetID)
	writeField(&sb, "target_sub", c.header.TargetSubID)
	writeField(&sb, "type", c.header.MessageType)
	sb.WriteString("}\n")
	sb.WriteString(dataPrefix)
	for _, v := range c.values {
		entry, err := encodeValue(v)
		if err != nil {
			return "", err
		}
		sb.WriteString(entry)
	}
	return sb.String(), nil
}

func writeField(sb *strings.Builder, key, val string) {
	sb.WriteString(key)
	sb.WriteByte('=')
	writeLP(sb, val)
	sb.WriteByte(';')
}

func writeLP(sb *strings.Builder, s string) {
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteByte(':')
	sb.WriteString(s)
}

func encodeValue(v Value) (string, error) {
	var payload string
	switch v.kind {
	case KindNull:
		payload = ""
	case KindBool:
		if v.b {
			payload = "1"
		} else {
			payload = "0"
		}
	case KindInt8, KindInt16, KindInt32, KindInt64:
		payload = strconv.FormatInt(v.i, 10)
	case KindUint8, KindUint16, KindUint32, KindUint64:
		payload = strconv.FormatUint(v.u, 10)
	case KindFloat:
		payload = strconv.FormatFloat(float64(v.f32), 'g', -1, 32)
	case KindDouble:
		payload = strconv.FormatFloat(v.f64, 'g', -1, 64)
	case KindString:
		payload = v.s
	case KindBytes:
		payload = base64.StdEncoding.EncodeToString(v.by)
	case KindContainer:
		nested, err := v.cn.Serialize()
		if err != nil {
			return "", err
		}
		payload = nested
	default:
		return "", newTypeError(v.kind, "wire", "unknown kind cannot be serialized")
	}

	var sb strings.Builder
	sb.WriteByte('[')
	writeLP(&sb, v.name)
	sb.WriteByte(',')
	sb.WriteString(v.kind.Tag())
	sb.WriteByte(',')
	writeLP(&sb, payload)
	sb.WriteString("];")
	return sb.String(), nil
}

// Deserialize parses the wire format back into a Container. maxSize, if
// positive, bounds the input blob's length and is checked before any
// per-field allocation (§4.1 oversize rejection); pass 0 to use
// DefaultMaxContainerSize.
func Deserialize(blob string, maxSize ...int) (*Container, error) {
	limit := DefaultMaxContainerSize
	if len(maxSize) > 0 && maxSize[0] > 0 {
		limit = maxSize[0]
	}
	if len(blob) > limit {
		return nil, newSizeError(limit, len(blob))
	}

	p := &parser{s: blob}
	c, err := p.parseContainer()
	if err != nil {
		return nil, err
	}
	return c, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) errf(reason string) error {
	return newParseError(p.pos, reason)
}

func (p *parser) expect(lit string) error {
	if !strings.HasPrefix(p.s[p.pos:], lit) {
		return p.errf("expected " + strconv.Quote(lit))
	}
	p.pos += len(lit)
	return nil
}

// readLP reads a `<len>:<content>` span starting at p.pos and advances past
// it, returning content.
func (p *parser) readLP() (string, error) {
	rest := p.s[p.pos:]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", p.errf("missing length prefix")
	}
	n, err := strconv.Atoi(rest[:colon])
	if err != nil || n < 0 {
		return "", p.errf("invalid length prefix")
	}
	start := p.pos + colon + 1
	end := start + n
	if end > len(p.s) {
		return "", p.errf("length prefix overruns input")
	}
	p.pos = end
	return p.s[start:end], nil
}

func (p *parser) parseContainer() (*Container, error) {
	if err := p.expect(headerPrefix); err != nil {
		return nil, err
	}
	fields := make(map[string]string, 5)
	keys := []string{"source", "source_sub", "target", "target_sub", "type"}
	for _, key := range keys {
		if err := p.expect(key + "="); err != nil {
			return nil, err
		}
		val, err := p.readLP()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		fields[key] = val
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	// optional newline between header and data sections
	if p.pos < len(p.s) && p.s[p.pos] == '\n' {
		p.pos++
	}
	if err := p.expect(dataPrefix); err != nil {
		return nil, err
	}

	c := NewWithHeader(Header{
		SourceID:    fields["source"],
		SourceSubID: fields["source_sub"],
		TargetID:    fields["target"],
		TargetSubID: fields["target_sub"],
		MessageType: fields["type"],
	})

	for p.pos < len(p.s) {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		c.Add(v)
	}
	return c, nil
}

func (p *parser) parseValue() (Value, error) {
	if err := p.expect("["); err != nil {
		return Value{}, err
	}
	name, err := p.readLP()
	if err != nil {
		return Value{}, err
	}
	if err := p.expect(","); err != nil {
		return Value{}, err
	}
	rest := p.s[p.pos:]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return Value{}, p.errf("missing type tag")
	}
	tag := rest[:comma]
	p.pos += comma
	if err := p.expect(","); err != nil {
		return Value{}, err
	}
	kind, ok := KindFromTag(tag)
	if !ok {
		return Value{}, p.errf("unknown type tag " + strconv.Quote(tag))
	}
	payload, err := p.readLP()
	if err != nil {
		return Value{}, err
	}
	if err := p.expect("];"); err != nil {
		return Value{}, err
	}
	v, err := decodeValue(name, kind, payload)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

func decodeValue(name string, kind Kind, payload string) (Value, error) {
	switch kind {
	case KindNull:
		return NewNull(name), nil
	case KindBool:
		return NewBool(name, payload == "1"), nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		n, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return Value{}, newParseError(0, "invalid integer payload for "+name)
		}
		switch kind {
		case KindInt8:
			return NewInt8(name, int8(n)), nil
		case KindInt16:
			return NewInt16(name, int16(n)), nil
		case KindInt32:
			return NewInt32(name, int32(n)), nil
		default:
			return NewInt64(name, n), nil
		}
	case KindUint8, KindUint16, KindUint32, KindUint64:
		n, err := strconv.ParseUint(payload, 10, 64)
		if err != nil {
			return Value{}, newParseError(0, "invalid unsigned integer payload for "+name)
		}
		switch kind {
		case KindUint8:
			return NewUint8(name, uint8(n)), nil
		case KindUint16:
			return NewUint16(name, uint16(n)), nil
		case KindUint32:
			return NewUint32(name, uint32(n)), nil
		default:
			return NewUint64(name, n), nil
		}
	case KindFloat:
		f, err := strconv.ParseFloat(payload, 32)
		if err != nil {
			return Value{}, newParseError(0, "invalid float payload for "+name)
		}
		return NewFloat(name, float32(f)), nil
	case KindDouble:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return Value{}, newParseError(0, "invalid double payload for "+name)
		}
		return NewDouble(name, f), nil
	case KindString:
		return NewString(name, payload), nil
	case KindBytes:
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Value{}, newParseError(0, "invalid base64 payload for "+name)
		}
		return NewBytes(name, b), nil
	case KindContainer:
		nested, err := Deserialize(payload)
		if err != nil {
			return Value{}, err
		}
		return NewContainerValue(name, nested), nil
	default:
		return Value{}, newParseError(0, "unknown kind in decode")
	}
}
