package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
)

// DomainTrace prefixes trace hashes. The version allows changing the
// encoding without colliding with old hashes.
const DomainTrace = "ede/trace/v1"

// MarshalCanonical encodes a record as canonical JSON: keys in sorted
// order, NFC strings, no HTML escaping, payload in lowercase hex.
func MarshalCanonical(rec Record) ([]byte, error) {
	source, err := canonicalString(rec.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	kind, err := canonicalString(rec.Kind.String())
	if err != nil {
		return nil, fmt.Errorf("kind: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"data":"`)
	buf.WriteString(hex.EncodeToString(rec.Data))
	buf.WriteString(`","disp":`)
	buf.WriteString(strconv.Itoa(rec.Dispatcher))
	buf.WriteString(`,"handle":`)
	buf.WriteString(strconv.FormatUint(rec.Handle, 10))
	buf.WriteString(`,"internal":`)
	buf.WriteString(strconv.FormatBool(rec.Internal))
	buf.WriteString(`,"kind":`)
	buf.Write(kind)
	buf.WriteString(`,"port":`)
	buf.WriteString(strconv.Itoa(rec.Port))
	buf.WriteString(`,"source":`)
	buf.Write(source)
	buf.WriteString(`,"tick":`)
	buf.WriteString(strconv.FormatUint(uint64(rec.Tick), 10))
	buf.WriteString(`,"timer":`)
	buf.WriteString(strconv.Itoa(rec.Timer))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func canonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Encode returns the canonical JSON lines of records, newline terminated.
func Encode(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	for i, rec := range records {
		line, err := MarshalCanonical(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Hash computes SHA256(DomainTrace + 0x00 + Encode(records)) in hex.
func Hash(records []Record) (string, error) {
	data, err := Encode(records)
	if err != nil {
		return "", fmt.Errorf("trace hash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(DomainTrace))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Decode parses canonical JSON lines back into records.
func Decode(data []byte) ([]Record, error) {
	type wire struct {
		Tick     uint32 `json:"tick"`
		Disp     int    `json:"disp"`
		Kind     string `json:"kind"`
		Source   string `json:"source"`
		Internal bool   `json:"internal"`
		Timer    int    `json:"timer"`
		Port     int    `json:"port"`
		Handle   uint64 `json:"handle"`
		Data     string `json:"data"`
	}

	var out []Record
	for i, line := range bytes.Split(bytes.TrimSpace(data), []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var w wire
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&w); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		kind, err := event.ParseKind(w.Kind)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		payload, err := hex.DecodeString(w.Data)
		if err != nil {
			return nil, fmt.Errorf("line %d: data: %w", i+1, err)
		}
		if len(payload) == 0 {
			payload = nil
		}
		out = append(out, Record{
			Tick:       engine.Tick(w.Tick),
			Dispatcher: w.Disp,
			Kind:       kind,
			Source:     w.Source,
			Internal:   w.Internal,
			Timer:      w.Timer,
			Port:       w.Port,
			Handle:     w.Handle,
			Data:       payload,
		})
	}
	return out, nil
}
