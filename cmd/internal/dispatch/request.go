package dispatch

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// HeaderIdempotencyKey lets the server deduplicate a mutation that is sent
// again after renewal.
const HeaderIdempotencyKey = "Idempotency-Key"

// maxRetries is the number of retries allowed after a renewal.
const maxRetries = 1

// Request describes one logical API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// Body is JSON-encoded. Raw, when set, is sent verbatim with ContentType
	// (binary and multipart payloads). Body and Raw are mutually exclusive;
	// Raw wins.
	Body        any
	Raw         []byte
	ContentType string

	// Anonymous requests carry no bearer credential and are never renewed.
	Anonymous bool

	// QuietLoss keeps the session-lost hook from running when this request
	// ends the session. Credentials are still cleared; the caller handles the
	// loss itself.
	QuietLoss bool

	// Attempt counts retries after renewal. It moves from 0 to 1 at most once.
	Attempt int
}

// CanRetry reports whether a renewal-driven retry is still permitted.
func (r Request) CanRetry() bool {
	return !r.Anonymous && r.Attempt < maxRetries
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// withIdempotencyKey gives a mutation a random key unless the caller set one.
// The header map is copied; the caller's map is never modified.
func (r Request) withIdempotencyKey() Request {
	if !isMutation(r.Method) || r.Header.Get(HeaderIdempotencyKey) != "" {
		return r
	}
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderIdempotencyKey, uuid.NewString())
	r.Header = h
	return r
}

// retried returns the copy used for the single retry.
func (r Request) retried() Request {
	r.Attempt++
	return r
}

// Response is a successful (2xx) answer.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	NoContent bool
}

// Decode unmarshals the JSON body into dst.
func (r *Response) Decode(dst any) error {
	if r == nil || r.NoContent {
		return ErrNoContent
	}
	return json.Unmarshal(r.Body, dst)
}

func isJSONContentType(ct string) bool {
	if strings.TrimSpace(ct) == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func hasContent(status int, header http.Header, body []byte) bool {
	if status == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return false
	}
	return isJSONContentType(header.Get("Content-Type"))
}
