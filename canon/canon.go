package canon

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"ubl-gate/ublerr"
)

const bom = "\uFEFF"

// Parse decodes arbitrary (non-canonical) JSON bytes into an already
// reduced Value tree: object members are sorted by key, null members are
// stripped, strings are NFC-normalized with leading BOMs removed, and
// numbers are minimal. Call Canonicalize to produce NRF-1.1 bytes.
func Parse(data []byte) (Value, error) {
	if err := rejectLoneSurrogates(data); err != nil {
		return Value{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Value{}, ublerr.Wrap(ublerr.KindValidation, "CANON.PARSE", "invalid JSON", err)
	}
	if dec.More() {
		return Value{}, ublerr.New(ublerr.KindValidation, "CANON.PARSE", "trailing content after JSON document")
	}
	return fromRaw(raw)
}

func fromRaw(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return BoolOf(t), nil
	case json.Number:
		isInt, i, dec, err := parseNumber(t.String())
		if err != nil {
			return Value{}, ublerr.Wrap(ublerr.KindValidation, "CANON.NUMBER", "number out of NRF-1.1 domain", err)
		}
		if isInt {
			return Int64Of(i), nil
		}
		return Value{Kind: KindDecimal, Decimal: dec}, nil
	case string:
		return Value{Kind: KindString, Str: stripBOM(t)}, nil
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			v, err := fromRaw(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Value{Kind: KindArray, Array: arr}, nil
	case map[string]interface{}:
		members := make([]Member, 0, len(t))
		seen := make(map[string]struct{}, len(t))
		for k, e := range t {
			v, err := fromRaw(e)
			if err != nil {
				return Value{}, err
			}
			if v.Kind == KindNull {
				continue // NRF-1.1: null-valued object members are stripped
			}
			key := stripBOM(k)
			if _, dup := seen[key]; dup {
				return Value{}, ublerr.New(ublerr.KindValidation, "CANON.DUPLICATE_KEY_NORMALIZED", "object keys normalize to the same NFC form: "+key)
			}
			seen[key] = struct{}{}
			members = append(members, Member{Key: key, Value: v})
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Key < members[j].Key })
		return Value{Kind: KindObject, Object: members}, nil
	default:
		return Value{}, ublerr.New(ublerr.KindValidation, "CANON.TYPE", fmt.Sprintf("unsupported JSON type %T", raw))
	}
}

// rejectLoneSurrogates scans for \uXXXX escapes that encode an unpaired
// UTF-16 surrogate. encoding/json silently replaces these with U+FFFD
// rather than erroring, which would hide a malformed input instead of
// rejecting it as NRF-1.1 requires.
func rejectLoneSurrogates(data []byte) error {
	for i := 0; i+5 < len(data); i++ {
		if data[i] != '\\' || data[i+1] != 'u' {
			continue
		}
		hi, ok := parseHex4(data[i+2 : i+6])
		if !ok {
			continue
		}
		if hi < 0xD800 || hi > 0xDFFF {
			continue
		}
		if hi >= 0xDC00 {
			return ublerr.New(ublerr.KindValidation, "CANON.LONE_SURROGATE", "string contains an unpaired low surrogate")
		}
		// hi is a high surrogate; it must be immediately followed by \uXXXX
		// encoding a low surrogate.
		if i+12 > len(data) || data[i+6] != '\\' || data[i+7] != 'u' {
			return ublerr.New(ublerr.KindValidation, "CANON.LONE_SURROGATE", "string contains an unpaired high surrogate")
		}
		lo, ok := parseHex4(data[i+8 : i+12])
		if !ok || lo < 0xDC00 || lo > 0xDFFF {
			return ublerr.New(ublerr.KindValidation, "CANON.LONE_SURROGATE", "string contains an unpaired high surrogate")
		}
		i += 11 // skip past the low-surrogate escape we just validated
	}
	return nil
}

func parseHex4(b []byte) (uint16, bool) {
	if len(b) != 4 {
		return 0, false
	}
	var v uint16
	for _, c := range b {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint16(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint16(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint16(c-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}

func stripBOM(s string) string {
	s = normalizeNFC(s)
	for len(s) > 0 && bytes.HasPrefix([]byte(s), []byte(bom)) {
		s = s[len(bom):]
	}
	return s
}

func normalizeNFC(s string) string {
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}

// Reduce parses then fully reduces data to its canonical in-memory Value:
// sorted keys, stripped nulls, NFC strings, minimal numbers.
func Reduce(data []byte) (Value, error) {
	return Parse(data)
}

// Canonicalize is the NRF-1.1 choke point: it produces the unique canonical
// byte form of data, or rejects data that cannot be canonicalized (malformed
// JSON, lone surrogates, out-of-domain numbers). Invalid UTF-8 inside a
// string is not rejected: the decoder replaces it with U+FFFD. It round-trips its own
// output through Parse+Encode and rejects silently-nondeterministic input by
// asserting the second pass is byte-identical to the first.
func Canonicalize(data []byte) ([]byte, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	out := Encode(v)

	v2, err := Parse(out)
	if err != nil {
		return nil, ublerr.Wrap(ublerr.KindInternal, "CANON.ROUNDTRIP", "canonical output failed to re-parse", err)
	}
	out2 := Encode(v2)
	if !bytes.Equal(out, out2) {
		return nil, ublerr.New(ublerr.KindInternal, "CANON.ROUNDTRIP", "canonicalization is not idempotent for this input")
	}
	return out, nil
}

// Encode serializes an already-reduced Value to canonical NRF-1.1 bytes.
// Callers that built a Value by hand (rather than via Parse) are
// responsible for having sorted Object members and stripped null members;
// Encode does not re-sort, so that repeated Encode calls on the same tree
// are allocation-cheap.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindInt64:
		buf.WriteString(strconv.FormatInt(v.Int64, 10))
	case KindDecimal:
		encodeString(buf, renderDecimal(v.Decimal))
	case KindString:
		encodeString(buf, v.Str)
	case KindBytes:
		encodeString(buf, base64URLNoPad(v.Bytes))
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.Array {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeValue(buf, e)
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, m := range v.Object {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, m.Key)
			buf.WriteByte(':')
			encodeValue(buf, m.Value)
		}
		buf.WriteByte('}')
	}
}

// encodeString writes s as a minimal JSON string literal. It reuses
// encoding/json's escaping (with HTML-escaping disabled, which would
// otherwise rewrite '<', '>' and '&' and break the canonical byte
// invariant) rather than hand-rolling an escaper.
func encodeString(buf *bytes.Buffer, s string) {
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(sb.Bytes(), "\n"))
}

func base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
