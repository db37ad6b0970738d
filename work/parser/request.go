package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mixreplace/work/types"
)

// MaxRequestSize is the most a client may send before its request is parsed.
// Anything beyond it is ignored, including headers that did not fit.
const MaxRequestSize = 1024

var (
	// ErrParse is the root of every request parsing failure.
	ErrParse = errors.New("invalid request")

	// ErrMalformedRequest means the request line is missing or incomplete.
	ErrMalformedRequest = fmt.Errorf("%w: malformed request line", ErrParse)

	// ErrMethodNotAllowed means the request used a method other than GET.
	ErrMethodNotAllowed = fmt.Errorf("%w: method not allowed", ErrParse)

	// ErrUnknownPath means the path does not address a channel under the current token.
	ErrUnknownPath = fmt.Errorf("%w: unknown path", ErrParse)
)

// Request holds the routing-relevant parts of a streaming client's request.
// The body, if any, is never read.
type Request struct {
	Method  string            // request method as sent, case preserved
	Path    string            // percent-decoded path without the query
	Proto   string            // protocol token, empty for HTTP/0.9 style requests
	Params  map[string]string // decoded query parameters, empty value when no '=' is present
	Headers map[string]string // header values keyed by lower-cased, trimmed names
}

// ParseRequest decodes the request line and headers held in buf. Header parsing
// stops at the first blank line and is skipped entirely when the request line
// carries no protocol token. Lines without a colon are ignored.
func ParseRequest(buf []byte) (*Request, error) {
	sc := bufio.NewScanner(bytes.NewReader(buf))
	sc.Buffer(make([]byte, 0, MaxRequestSize), MaxRequestSize+1)

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: no request line", ErrMalformedRequest)
	}

	fields := strings.Fields(sc.Text())
	if len(fields) == 0 {
		return nil, ErrMalformedRequest
	}
	if !strings.EqualFold(fields[0], "GET") {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotAllowed, fields[0])
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: missing uri", ErrMalformedRequest)
	}

	req := &Request{
		Method:  fields[0],
		Params:  make(map[string]string),
		Headers: make(map[string]string),
	}

	uri := fields[1]
	if qmi := strings.IndexByte(uri, '?'); qmi >= 0 {
		decodeParams(uri[qmi+1:], req.Params)
		uri = uri[:qmi]
	}
	path, err := url.QueryUnescape(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	req.Path = path

	if len(fields) < 3 {
		return req, nil
	}
	req.Proto = fields[2]

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			break
		}
		if p := strings.IndexByte(line, ':'); p >= 0 {
			req.Headers[strings.ToLower(strings.TrimSpace(line[:p]))] = strings.TrimSpace(line[p+1:])
		}
	}

	return req, nil
}

// decodeParams splits a raw query on '&' and stores each decoded pair in p.
// Pairs that fail to decode are kept verbatim.
func decodeParams(raw string, p map[string]string) {
	for _, e := range strings.Split(raw, "&") {
		if e == "" {
			continue
		}
		key, value, found := strings.Cut(e, "=")
		key = strings.TrimSpace(unescape(key))
		if found {
			p[key] = unescape(value)
		} else {
			p[key] = ""
		}
	}
}

func unescape(s string) string {
	if d, err := url.QueryUnescape(s); err == nil {
		return d
	}
	return s
}

// Channel resolves which channel the request addresses under the given path
// token. Only an exact match of "/<channel>/video/<token>" is accepted, so extra
// segments, a stale token or an empty token all fail with ErrUnknownPath.
func (r *Request) Channel(token string) (types.Channel, error) {
	if token == "" {
		return -1, fmt.Errorf("%w: server has no active token", ErrUnknownPath)
	}
	for _, ch := range types.Channels {
		if r.Path == ch.VideoPath(token) {
			return ch, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrUnknownPath, r.Path)
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}
