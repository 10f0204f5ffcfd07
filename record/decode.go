package record

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// MaxHeaderBytes bounds the header section of a block.
const MaxHeaderBytes = 64 << 10

// DefaultMaxPayloadBytes is the payload bound of the zero Decoder.
const DefaultMaxPayloadBytes = 64 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// Decoder parses blocks. The zero value accepts payloads up to
// DefaultMaxPayloadBytes.
type Decoder struct {
	// MaxPayloadBytes bounds the payload, and with MaxHeaderBytes the
	// inflated size of a gzip member.
	MaxPayloadBytes int64
}

var defaultDecoder Decoder

// Decode parses exactly one block with the zero Decoder.
func Decode(b []byte) (*Record, error) {
	return defaultDecoder.Decode(b)
}

func (d Decoder) maxPayload() int64 {
	if d.MaxPayloadBytes <= 0 {
		return DefaultMaxPayloadBytes
	}
	return d.MaxPayloadBytes
}

// Decode parses exactly one block. b must hold the whole block and nothing
// else: trailing or missing bytes are an error. Blocks framed as a gzip
// member are inflated first. The payload digest is copied from the header,
// not recomputed; call Verify for that.
func (d Decoder) Decode(b []byte) (*Record, error) {
	if bytes.HasPrefix(b, gzipMagic) {
		inflated, err := inflate(b, MaxHeaderBytes+d.maxPayload()+int64(len(Trailer)))
		if err != nil {
			return nil, err
		}
		b = inflated
	}

	end := bytes.Index(b, []byte(crlf+crlf))
	if end < 0 || end > MaxHeaderBytes {
		return nil, malformed("header section not terminated")
	}
	lines := strings.Split(string(b[:end]), crlf)
	if lines[0] != Version {
		return nil, malformed("missing %s version line", Version)
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, malformed("bad header line %q", line)
		}
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}

	cl, ok := headers["content-length"]
	if !ok {
		return nil, malformed("missing Content-Length")
	}
	length, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || length < 0 {
		return nil, malformed("invalid Content-Length %q", cl)
	}
	if length > d.maxPayload() {
		return nil, malformed("Content-Length %d exceeds %d", length, d.maxPayload())
	}

	body := b[end+len(crlf+crlf):]
	if int64(len(body)) != length+int64(len(Trailer)) {
		return nil, malformed("block holds %d bytes after headers, want %d", len(body), length+int64(len(Trailer)))
	}
	if string(body[length:]) != Trailer {
		return nil, malformed("bad trailer")
	}

	r := &Record{
		Type: Type(headers["warc-type"]),
		ID:   strings.TrimSuffix(strings.TrimPrefix(headers["warc-record-id"], "<"), ">"),
	}
	if r.Type == "" {
		return nil, malformed("missing WARC-Type")
	}
	if r.ID == "" {
		return nil, malformed("missing WARC-Record-ID")
	}
	r.URL = headers["warc-target-uri"]
	if r.URL == "" {
		return nil, malformed("missing WARC-Target-URI")
	}
	if r.Timestamp, err = parseDate(headers["warc-date"]); err != nil {
		return nil, malformed("invalid WARC-Date: %v", err)
	}
	r.ContentType = headers["content-type"]
	if d := headers["warc-payload-digest"]; d != "" {
		algo, hexDigest, ok := strings.Cut(d, ":")
		if !ok || !strings.EqualFold(algo, "sha256") {
			return nil, malformed("unsupported payload digest %q", d)
		}
		r.PayloadDigest = strings.ToLower(hexDigest)
	}
	if length > 0 {
		r.Payload = append([]byte(nil), body[:length]...)
	}

	if r.Type == TypeRevisit {
		r.RefersTo = strings.TrimSuffix(strings.TrimPrefix(headers["warc-refers-to"], "<"), ">")
		if d := headers["warc-refers-to-date"]; d != "" {
			if r.RefersToDate, err = parseDate(d); err != nil {
				return nil, malformed("invalid WARC-Refers-To-Date: %v", err)
			}
		}
	}
	return r, nil
}

// Verify recomputes the payload digest of a response record. Revisit records
// carry no payload and always verify.
func Verify(r *Record) error {
	if r.Type != TypeResponse {
		return nil
	}
	if got := Digest(r.Payload); got != r.PayloadDigest {
		return fmt.Errorf("%w: declared %s, computed %s", ErrDigestMismatch, r.PayloadDigest, got)
	}
	return nil
}

// inflate expands the single gzip member in b. More than limit inflated
// bytes, or any byte after the member, is malformed.
func inflate(b []byte, limit int64) ([]byte, error) {
	br := bytes.NewReader(b)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, malformed("gzip member: %v", err)
	}
	defer zr.Close()
	zr.Multistream(false)
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, malformed("gzip member: %v", err)
	}
	if int64(len(out)) > limit {
		return nil, malformed("gzip member inflates past %d bytes", limit)
	}
	if br.Len() > 0 {
		return nil, malformed("%d bytes after gzip member", br.Len())
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
