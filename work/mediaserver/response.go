package mediaserver

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

const crlf = "\r\n"

// Status codes answered on the raw socket before any stream is sent.
const (
	StatusBadRequest          = 400
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
)

// appendStreamHeader writes the response header that opens a mixed-replace stream.
func appendStreamHeader(b *bytebufferpool.ByteBuffer, serverName, boundary string) {
	b.WriteString("HTTP/1.0 200 OK" + crlf)
	b.WriteString("Server: " + serverName + crlf)
	b.WriteString("Connection: close" + crlf)
	b.WriteString("Max-Age: 0" + crlf)
	b.WriteString("Expires: 0" + crlf)
	b.WriteString("Cache-Control: no-store, no-cache, must-revalidate, pre-check=0, post-check=0, max-age=0" + crlf)
	b.WriteString("Pragma: no-cache" + crlf)
	b.WriteString("Content-Type: multipart/x-mixed-replace; boundary=" + boundary + crlf)
	b.WriteString(crlf)
}

// appendPartHeader writes the delimiter and headers preceding one frame.
func appendPartHeader(b *bytebufferpool.ByteBuffer, boundary, contentType string, length int) {
	b.WriteString("--" + boundary + crlf)
	b.WriteString("Content-Type: " + contentType + crlf)
	b.WriteString("Content-Length: ")
	b.B = strconv.AppendInt(b.B, int64(length), 10)
	b.WriteString(crlf + crlf)
}

// partTrailer terminates every frame.
const partTrailer = crlf + crlf

// appendErrorResponse writes a body-less error response with the given status.
// The reason phrase is always "OK"; existing clients only look at the code.
func appendErrorResponse(b *bytebufferpool.ByteBuffer, serverName string, status int) {
	b.WriteString("HTTP/1.0 ")
	b.B = strconv.AppendInt(b.B, int64(status), 10)
	b.WriteString(" OK" + crlf)
	b.WriteString("Server: " + serverName + crlf)
	b.WriteString("Connection: close" + crlf)
	b.WriteString(crlf)
}
