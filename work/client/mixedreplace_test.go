package client

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixreplace/work/mediaserver"
	"mixreplace/work/types"
)

type recorder struct {
	mu        sync.Mutex
	connected int
	frames    [][]byte
	errs      []ErrorCode
}

func (r *recorder) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) OnReceivedData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, data)
}

func (r *recorder) OnError(code ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, code)
}

func (r *recorder) snapshot() (int, [][]byte, []ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, append([][]byte(nil), r.frames...), append([]ErrorCode(nil), r.errs...)
}

func startClient(t *testing.T, uri string) (*MixedReplaceClient, *recorder) {
	t.Helper()
	c, err := NewMixedReplaceClient(uri)
	require.NoError(t, err)
	rec := &recorder{}
	c.SetListener(rec)
	c.Start()
	t.Cleanup(c.Stop)
	return c, rec
}

func waitDone(t *testing.T, c *MixedReplaceClient) {
	t.Helper()
	done := c.Done()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not finish")
	}
}

func TestNewMixedReplaceClientRejectsBadURIs(t *testing.T) {
	for _, uri := range []string{"", "://bad", "ftp://host/x", "http:///nohost"} {
		_, err := NewMixedReplaceClient(uri)
		assert.Error(t, err, uri)
	}
}

func TestClientReceivesPartsFromMediaServer(t *testing.T) {
	srv := mediaserver.New()
	require.True(t, srv.Start())
	defer srv.Stop()

	_, rec := startClient(t, srv.URL(types.ChannelLocal))

	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { n, _, _ := rec.snapshot(); return n == 1 }, 3*time.Second, 10*time.Millisecond)

	srv.OfferMedia(types.ChannelLocal, []byte("frame-one"))
	require.Eventually(t, func() bool { _, f, _ := rec.snapshot(); return len(f) == 1 }, 3*time.Second, 10*time.Millisecond)

	srv.OfferMedia(types.ChannelLocal, []byte("frame-two"))
	require.Eventually(t, func() bool { _, f, _ := rec.snapshot(); return len(f) == 2 }, 3*time.Second, 10*time.Millisecond)

	_, frames, errs := rec.snapshot()
	assert.Equal(t, "frame-one", string(frames[0]))
	assert.Equal(t, "frame-two", string(frames[1]))
	assert.Empty(t, errs)
}

func TestClientStopSuppressesErrors(t *testing.T) {
	srv := mediaserver.New()
	require.True(t, srv.Start())
	defer srv.Stop()

	c, rec := startClient(t, srv.URL(types.ChannelRemote))
	require.Eventually(t, func() bool { n, _, _ := rec.snapshot(); return n == 1 }, 3*time.Second, 10*time.Millisecond)

	c.Stop()
	assert.False(t, c.IsRunning())
	c.Stop()

	_, _, errs := rec.snapshot()
	assert.Empty(t, errs)
}

func TestClientHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c, rec := startClient(t, ts.URL+"/local/video/x")
	waitDone(t, c)

	n, _, errs := rec.snapshot()
	assert.Equal(t, 0, n)
	assert.Equal(t, []ErrorCode{HTTPError}, errs)
}

func TestClientMimeTypeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer ts.Close()

	c, rec := startClient(t, ts.URL)
	waitDone(t, c)

	n, _, errs := rec.snapshot()
	assert.Equal(t, 1, n)
	assert.Equal(t, []ErrorCode{MimeTypeError}, errs)
}

func TestClientContentLengthError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=b")
		fmt.Fprint(w, "--b\r\nContent-Type: image/jpeg\r\nContent-Length: 10\r\n\r\nshort\r\n--b--\r\n")
	}))
	defer ts.Close()

	c, rec := startClient(t, ts.URL)
	waitDone(t, c)

	_, _, errs := rec.snapshot()
	assert.Equal(t, []ErrorCode{ContentLengthError}, errs)
}

func TestClientSkipsEmptyPartsAndEndsCleanly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=b")
		fmt.Fprint(w, "--b\r\nContent-Type: image/jpeg\r\nContent-Length: 0\r\n\r\n\r\n"+
			"--b\r\nContent-Type: image/jpeg\r\n\r\nnolength\r\n"+
			"--b\r\nContent-Type: image/jpeg\r\nContent-Length: 3\r\n\r\nabc\r\n\r\n"+
			"--b--\r\n")
	}))
	defer ts.Close()

	c, rec := startClient(t, ts.URL)
	waitDone(t, c)

	_, frames, errs := rec.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, "abc", string(frames[0]))
	assert.Empty(t, errs)
}

func TestClientOutOfMemoryError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=b")
		fmt.Fprint(w, "--b\r\nContent-Length: 1000\r\n\r\n")
	}))
	defer ts.Close()

	c, err := NewMixedReplaceClient(ts.URL)
	require.NoError(t, err)
	c.MaxFrameSize = 100
	rec := &recorder{}
	c.SetListener(rec)
	c.Start()
	defer c.Stop()
	waitDone(t, c)

	_, _, errs := rec.snapshot()
	assert.Equal(t, []ErrorCode{OutOfMemoryError}, errs)
}

func TestClientRepeatsStillImage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	}))
	defer ts.Close()

	c, err := NewMixedReplaceClient(ts.URL)
	require.NoError(t, err)
	c.ImageInterval = 20 * time.Millisecond
	rec := &recorder{}
	c.SetListener(rec)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool { _, f, _ := rec.snapshot(); return len(f) >= 3 }, 3*time.Second, 10*time.Millisecond)
	_, frames, errs := rec.snapshot()
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, frames[0])
	assert.Empty(t, errs)
}

func TestErrorCodeValues(t *testing.T) {
	assert.Equal(t, 1, int(HTTPError))
	assert.Equal(t, 2, int(MimeTypeError))
	assert.Equal(t, 3, int(ContentLengthError))
	assert.Equal(t, 4, int(URIError))
	assert.Equal(t, 5, int(OutOfMemoryError))
	assert.Equal(t, 6, int(Unknown))
	assert.Equal(t, "mime type error", MimeTypeError.String())
}

func TestClientRestartsAfterStreamEnds(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=b")
		fmt.Fprint(w, "--b\r\nContent-Length: 3\r\n\r\nabc\r\n--b--\r\n")
	}))
	defer ts.Close()

	c, rec := startClient(t, ts.URL)
	waitDone(t, c)
	assert.False(t, c.IsRunning())

	c.Start()
	waitDone(t, c)
	assert.False(t, c.IsRunning())

	mu.Lock()
	assert.Equal(t, 2, requests)
	mu.Unlock()
	connected, frames, errs := rec.snapshot()
	assert.Equal(t, 2, connected)
	assert.Len(t, frames, 2)
	assert.Empty(t, errs)
}
