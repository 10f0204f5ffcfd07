// Package record encodes and decodes archive blocks: one WARC/1.0 record per
// block, a CRLF header section, the payload, and a CRLFCRLF trailer. Blocks
// are self-delimiting so they can be appended back to back to a log file and
// later read by exact byte range.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Version is the first line of every block.
const Version = "WARC/1.0"

// RevisitProfile is the WARC-Profile of header-only records whose payload
// is stored elsewhere under the same digest.
const RevisitProfile = "http://netpreserve.org/warc/1.0/revisit/identical-payload-digest"

// Type is the WARC-Type of a record.
type Type string

const (
	TypeResponse Type = "response"
	TypeRevisit  Type = "revisit"
)

// Capture is one observed HTTP response body at one instant.
// StatusCode travels to the catalog; it is not written to the block.
type Capture struct {
	URL           string
	Timestamp     time.Time
	Payload       []byte
	ContentType   string
	PayloadDigest string // lowercase hex sha256 of Payload
	StatusCode    int
}

// NewCapture builds a Capture, normalizing the timestamp to UTC and
// computing the payload digest.
func NewCapture(url string, ts time.Time, payload []byte, contentType string, status int) *Capture {
	return &Capture{
		URL:           url,
		Timestamp:     ts.UTC(),
		Payload:       payload,
		ContentType:   contentType,
		PayloadDigest: Digest(payload),
		StatusCode:    status,
	}
}

// Record is a decoded block.
type Record struct {
	Type Type
	ID   string // urn:uuid:..., without angle brackets
	Capture

	// Revisit records only.
	RefersTo     string
	RefersToDate time.Time
}

// Digest returns the lowercase hex sha256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
