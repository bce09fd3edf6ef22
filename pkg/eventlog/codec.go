package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compressed values are framed as a 2-byte magic header followed by a
// raw deflate stream. The first byte can never begin a JSON document,
// which is how readers tell compressed from plain values apart. The
// second byte packs the algorithm in the high nibble and the format
// version in the low nibble.
const (
	magicByte     byte = 0x01
	algDeflate    byte = 0x10
	formatVersion byte = 0x01
)

// DefaultCompressedFields lists the event columns compressed unless
// configured otherwise.
var DefaultCompressedFields = []string{"payload", "context", "meta"}

const (
	// DefaultCompressionLevel is flate's default trade-off.
	DefaultCompressionLevel = 6

	// DefaultCompressionThreshold is the minimum encoded size, in
	// bytes, for which compression is attempted.
	DefaultCompressionThreshold = 100
)

// Codec compresses and decompresses individual event fields. The zero
// value is unusable; construct with NewCodec or DefaultCodec.
type Codec struct {
	enabled   bool
	level     int
	threshold int
	fields    map[string]bool
}

// NewCodec builds a field codec. level must lie in 0..9 where 0 stores
// deflate frames without compression and 9 trades CPU for size.
func NewCodec(enabled bool, level, threshold int, fields []string) (*Codec, error) {
	if level < 0 || level > 9 {
		return nil, &ValidationError{Field: "compression.level", Message: fmt.Sprintf("level %d out of range 0..9", level)}
	}
	if threshold < 0 {
		return nil, &ValidationError{Field: "compression.threshold", Message: "threshold must not be negative"}
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return &Codec{enabled: enabled, level: level, threshold: threshold, fields: set}, nil
}

// DefaultCodec returns the codec matching the default configuration
// surface: enabled, level 6, threshold 100, payload+context+meta.
func DefaultCodec() *Codec {
	c, _ := NewCodec(true, DefaultCompressionLevel, DefaultCompressionThreshold, DefaultCompressedFields)
	return c
}

// Disabled returns a codec that passes every field through untouched.
func Disabled() *Codec {
	c, _ := NewCodec(false, DefaultCompressionLevel, DefaultCompressionThreshold, nil)
	return c
}

// Level exposes the configured compression level.
func (c *Codec) Level() int { return c.level }

// EncodeField returns the stored form of one event field. Fields that
// are not configured for compression, or whose plain encoding is below
// the threshold, are returned as-is.
func (c *Codec) EncodeField(field string, raw []byte) ([]byte, error) {
	if raw == nil {
		return nil, nil
	}
	if !c.enabled || !c.fields[field] || len(raw) < c.threshold {
		return raw, nil
	}
	return Compress(raw, c.level)
}

// DecodeField undoes EncodeField by probing the magic header. Plain
// values pass through verbatim.
func (c *Codec) DecodeField(stored []byte) ([]byte, error) {
	return Decompress(stored)
}

// EncodeFields returns the stored forms of an event's payload, context,
// and meta columns. Maps marshal to JSON before encoding; nil fields
// store as NULL.
func (c *Codec) EncodeFields(e *Event) (payload, context, meta []byte, err error) {
	if e.Payload != nil {
		raw, merr := json.Marshal(e.Payload)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("eventlog: encoding payload: %w", merr)
		}
		if payload, err = c.EncodeField("payload", raw); err != nil {
			return nil, nil, nil, err
		}
	}
	if context, err = c.EncodeField("context", e.Context); err != nil {
		return nil, nil, nil, err
	}
	if e.Meta != nil {
		raw, merr := json.Marshal(e.Meta)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("eventlog: encoding meta: %w", merr)
		}
		if meta, err = c.EncodeField("meta", raw); err != nil {
			return nil, nil, nil, err
		}
	}
	return payload, context, meta, nil
}

// DecodeFields fills an event's payload, context, and meta from their
// stored forms.
func (c *Codec) DecodeFields(e *Event, payload, context, meta []byte) error {
	if len(payload) > 0 {
		raw, err := c.DecodeField(payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return &CorruptError{RootID: e.RootID, Reason: "payload: " + err.Error()}
		}
	}
	if len(context) > 0 {
		raw, err := c.DecodeField(context)
		if err != nil {
			return err
		}
		e.Context = raw
	}
	if len(meta) > 0 {
		raw, err := c.DecodeField(meta)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &e.Meta); err != nil {
			return &CorruptError{RootID: e.RootID, Reason: "meta: " + err.Error()}
		}
	}
	return nil
}

// Compress frames raw as magic header + deflate stream.
func Compress(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(magicByte)
	buf.WriteByte(algDeflate | formatVersion)
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("eventlog: deflate writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("eventlog: deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("eventlog: deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

// IsCompressed reports whether data carries the compression header.
func IsCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == magicByte && data[1]&0xf0 == algDeflate
}

// Decompress inflates data framed by Compress. Data without the magic
// header is returned unchanged.
func Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	if data[1]&0x0f != formatVersion {
		return nil, &CorruptError{Reason: fmt.Sprintf("unsupported compression format version %d", data[1]&0x0f)}
	}
	r := flate.NewReader(bytes.NewReader(data[2:]))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &CorruptError{Reason: "deflate stream: " + err.Error()}
	}
	return out, nil
}
