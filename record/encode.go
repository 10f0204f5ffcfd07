package record

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/warcfed/idgen"
)

const crlf = "\r\n"

// Trailer terminates every block.
const Trailer = "\r\n\r\n"

// Encoder writes blocks. The zero value writes uncompressed blocks with
// fresh UUIDv7 record ids.
type Encoder struct {
	// Compress wraps each block in its own gzip member (.warc.gz layout).
	Compress bool
	// NewID overrides record id generation. Must return "urn:uuid:<uuid>".
	NewID idgen.Generator
}

var defaultEncoder Encoder

// Encode serializes c as an uncompressed response block.
func Encode(c *Capture) ([]byte, error) {
	return defaultEncoder.Encode(c)
}

// EncodeRevisit serializes a header-only revisit block for c.
func EncodeRevisit(c *Capture, refersTo string, refersToDate time.Time) ([]byte, error) {
	return defaultEncoder.EncodeRevisit(c, refersTo, refersToDate)
}

// Encode serializes c as a response block. The same capture always produces
// the same header layout; only the record id differs between calls.
func (e Encoder) Encode(c *Capture) ([]byte, error) {
	if err := validateCapture(c); err != nil {
		return nil, err
	}
	digest := c.PayloadDigest
	if digest == "" {
		digest = Digest(c.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(len(c.Payload) + 512)
	writeLine(&buf, Version)
	writeHeader(&buf, "WARC-Type", string(TypeResponse))
	writeHeader(&buf, "WARC-Record-ID", "<"+e.newID()+">")
	writeHeader(&buf, "WARC-Date", formatDate(c.Timestamp))
	writeHeader(&buf, "WARC-Target-URI", c.URL)
	writeHeader(&buf, "WARC-Payload-Digest", "sha256:"+digest)
	writeHeader(&buf, "Content-Type", contentTypeOrDefault(c.ContentType))
	writeHeader(&buf, "Content-Length", strconv.Itoa(len(c.Payload)))
	buf.WriteString(crlf)
	buf.Write(c.Payload)
	buf.WriteString(Trailer)

	return e.frame(buf.Bytes())
}

// EncodeRevisit serializes a revisit block: the headers of c with Content-Length
// 0, pointing at the record that holds the identical payload. refersTo may be
// empty and refersToDate zero when the original record is not known by id.
func (e Encoder) EncodeRevisit(c *Capture, refersTo string, refersToDate time.Time) ([]byte, error) {
	if err := validateCapture(c); err != nil {
		return nil, err
	}
	if strings.ContainsAny(refersTo, "\r\n") {
		return nil, malformed("WARC-Refers-To contains a line break")
	}
	digest := c.PayloadDigest
	if digest == "" {
		digest = Digest(c.Payload)
	}

	var buf bytes.Buffer
	writeLine(&buf, Version)
	writeHeader(&buf, "WARC-Type", string(TypeRevisit))
	writeHeader(&buf, "WARC-Record-ID", "<"+e.newID()+">")
	writeHeader(&buf, "WARC-Date", formatDate(c.Timestamp))
	writeHeader(&buf, "WARC-Target-URI", c.URL)
	writeHeader(&buf, "WARC-Payload-Digest", "sha256:"+digest)
	writeHeader(&buf, "WARC-Profile", RevisitProfile)
	if refersTo != "" {
		writeHeader(&buf, "WARC-Refers-To", "<"+refersTo+">")
	}
	if !refersToDate.IsZero() {
		writeHeader(&buf, "WARC-Refers-To-Date", formatDate(refersToDate))
	}
	writeHeader(&buf, "Content-Type", contentTypeOrDefault(c.ContentType))
	writeHeader(&buf, "Content-Length", "0")
	buf.WriteString(crlf)
	buf.WriteString(Trailer)

	return e.frame(buf.Bytes())
}

func (e Encoder) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return idgen.RecordURN()
}

func (e Encoder) frame(block []byte) ([]byte, error) {
	if !e.Compress {
		return block, nil
	}
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(block); err != nil {
		return nil, fmt.Errorf("record: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("record: gzip: %w", err)
	}
	return out.Bytes(), nil
}

func validateCapture(c *Capture) error {
	if c == nil {
		return malformed("nil capture")
	}
	if c.URL == "" {
		return malformed("empty target URI")
	}
	if c.Timestamp.IsZero() {
		return malformed("zero timestamp")
	}
	for name, v := range map[string]string{
		"WARC-Target-URI":     c.URL,
		"Content-Type":        c.ContentType,
		"WARC-Payload-Digest": c.PayloadDigest,
	} {
		if strings.ContainsAny(v, "\r\n") {
			return malformed("%s contains a line break", name)
		}
	}
	return nil
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func writeLine(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteString(crlf)
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString(crlf)
}
