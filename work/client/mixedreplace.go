package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"mixreplace/work/logger"
	"mixreplace/work/utils"
)

// ErrorCode classifies why a MixedReplaceClient gave up on a stream.
type ErrorCode int

const (
	HTTPError          ErrorCode = iota + 1 // upstream answered with a status other than 200
	MimeTypeError                           // response is neither an image nor a mixed-replace stream
	ContentLengthError                      // a part ended before its declared Content-Length
	URIError                                // the stream address is malformed
	OutOfMemoryError                        // a frame exceeds the configured size limit
	Unknown                                 // any other transport or protocol failure
)

func (c ErrorCode) String() string {
	switch c {
	case HTTPError:
		return "http error"
	case MimeTypeError:
		return "mime type error"
	case ContentLengthError:
		return "content length error"
	case URIError:
		return "uri error"
	case OutOfMemoryError:
		return "out of memory"
	case Unknown:
		return "unknown error"
	default:
		return "error(" + strconv.Itoa(int(c)) + ")"
	}
}

const (
	contentTypeMultipart = "multipart/x-mixed-replace"
	contentTypeImage     = "image/"

	// DefaultMaxFrameSize caps a single frame read from the stream.
	DefaultMaxFrameSize = 16 << 20

	// DefaultImageInterval is how often a single-image response is re-delivered.
	DefaultImageInterval = 5 * time.Second
)

// Listener receives stream events. Callbacks run on the client's goroutine and
// should return quickly; data slices are owned by the listener.
type Listener interface {
	OnConnected()
	OnReceivedData(data []byte)
	OnError(code ErrorCode)
}

// MixedReplaceClient pulls a multipart/x-mixed-replace stream and hands each
// part to a Listener. A plain image response is treated as a still stream and
// re-delivered every ImageInterval until the client is stopped.
type MixedReplaceClient struct {
	uri           string
	http          *HeaderSettingClient
	MaxFrameSize  int64
	ImageInterval time.Duration

	mu       sync.Mutex
	listener Listener
	cancel   context.CancelFunc
	done     chan struct{}
	log      *logger.Logger
}

// NewMixedReplaceClient validates uri and returns a stopped client.
func NewMixedReplaceClient(uri string) (*MixedReplaceClient, error) {
	if uri == "" {
		return nil, fmt.Errorf("%s: uri is empty", URIError)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", URIError, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s: unsupported uri %q", URIError, utils.ObfuscateURL(uri))
	}

	return &MixedReplaceClient{
		uri:           uri,
		http:          NewHeaderSettingClient(""),
		MaxFrameSize:  DefaultMaxFrameSize,
		ImageInterval: DefaultImageInterval,
		log:           logger.Default(),
	}, nil
}

// SetListener installs the receiver of stream events.
func (c *MixedReplaceClient) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// SetHTTPClient replaces the HTTP client used for the request.
func (c *MixedReplaceClient) SetHTTPClient(hc *HeaderSettingClient) {
	if hc == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http = hc
}

// Start begins reading the stream on a new goroutine. It does nothing if the
// client is already running.
func (c *MixedReplaceClient) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.log.Debug("{client/mixedreplace - Start} already running")
		return
	}
	if c.listener == nil {
		c.log.Warn("{client/mixedreplace - Start} no listener set for %s", utils.ObfuscateURL(c.uri))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, c.done)
}

// Stop cancels the request and waits for the reading goroutine to exit.
// Errors caused by stopping are not reported to the listener. Stop must not be
// called from a Listener callback.
func (c *MixedReplaceClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done returns a channel closed when the latest run ends, or nil if the client
// was never started.
func (c *MixedReplaceClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// IsRunning reports whether a stream is open: Start was called and neither Stop
// nor the end of the stream has happened since.
func (c *MixedReplaceClient) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// streamError carries the code reported to the listener.
type streamError struct {
	code ErrorCode
	err  error
}

func (e *streamError) Error() string { return e.code.String() + ": " + e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

func fail(code ErrorCode, format string, args ...interface{}) error {
	return &streamError{code: code, err: fmt.Errorf(format, args...)}
}

func (c *MixedReplaceClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.release(done)

	err := c.read(ctx)
	if err == nil || ctx.Err() != nil {
		c.log.Debug("{client/mixedreplace - run} stream %s closed", utils.ObfuscateURL(c.uri))
		return
	}

	code := Unknown
	var se *streamError
	if errors.As(err, &se) {
		code = se.code
	}
	c.log.Warn("{client/mixedreplace - run} stream %s failed: %v", utils.ObfuscateURL(c.uri), err)
	c.notifyError(code)
}

// release marks the client stopped when the run owning done ends on its own,
// so Start can open the stream again.
func (c *MixedReplaceClient) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == done && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *MixedReplaceClient) read(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return fail(URIError, "%v", err)
	}

	c.mu.Lock()
	hc := c.http
	c.mu.Unlock()

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(HTTPError, "unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	c.log.Debug("{client/mixedreplace - read} content type: %q", contentType)
	c.notifyConnected()

	switch {
	case contentType == "" || strings.HasPrefix(contentType, contentTypeImage):
		return c.readImage(ctx, resp.Body)
	case strings.HasPrefix(contentType, contentTypeMultipart):
		return c.readMultipart(ctx, resp.Body, contentType)
	default:
		return fail(MimeTypeError, "unsupported content type %q", contentType)
	}
}

// readImage reads a single image and re-delivers it until the context ends.
func (c *MixedReplaceClient) readImage(ctx context.Context, body io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(body, c.MaxFrameSize+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > c.MaxFrameSize {
		return fail(OutOfMemoryError, "image larger than %d bytes", c.MaxFrameSize)
	}

	ticker := time.NewTicker(c.ImageInterval)
	defer ticker.Stop()

	for {
		frame := make([]byte, len(data))
		copy(frame, data)
		c.notifyData(frame)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// readMultipart delivers every part that declares a positive Content-Length.
func (c *MixedReplaceClient) readMultipart(ctx context.Context, body io.Reader, contentType string) error {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fail(MimeTypeError, "%v", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return fail(MimeTypeError, "missing boundary")
	}

	mr := multipart.NewReader(body, boundary)
	for ctx.Err() == nil {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		length, err := strconv.ParseInt(part.Header.Get("Content-Length"), 10, 64)
		if err != nil || length <= 0 {
			continue
		}
		if length > c.MaxFrameSize {
			return fail(OutOfMemoryError, "part of %d bytes exceeds limit %d", length, c.MaxFrameSize)
		}

		frame := make([]byte, length)
		if _, err := io.ReadFull(part, frame); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return fail(ContentLengthError, "part shorter than declared %d bytes", length)
			}
			return err
		}
		c.notifyData(frame)
	}
	return nil
}

func (c *MixedReplaceClient) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *MixedReplaceClient) notifyConnected() {
	if l := c.currentListener(); l != nil {
		l.OnConnected()
	}
}

func (c *MixedReplaceClient) notifyData(data []byte) {
	if l := c.currentListener(); l != nil {
		l.OnReceivedData(data)
	}
}

func (c *MixedReplaceClient) notifyError(code ErrorCode) {
	if l := c.currentListener(); l != nil {
		l.OnError(code)
	}
}
