package client

import (
	"net"
	"net/http"
	"time"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "mixreplace/1.0"

// ConnectTimeout bounds how long dialing an upstream stream may take.
const ConnectTimeout = 3 * time.Minute

// HeaderSettingClient wraps http.Client to automatically set headers
type HeaderSettingClient struct {
	Client    *http.Client
	UserAgent string
	Origin    string
	Referrer  string
}

// NewHeaderSettingClient builds a client suited to long-lived streaming
// responses: no overall timeout, a bounded dial and a bounded wait for headers.
func NewHeaderSettingClient(userAgent string) *HeaderSettingClient {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		UserAgent: userAgent,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.UserAgent)
	req.Header.Set("Accept", "multipart/x-mixed-replace, image/*;q=0.9, */*;q=0.5")

	if hsc.Origin != "" {
		req.Header.Set("Origin", hsc.Origin)
	}
	if hsc.Referrer != "" {
		req.Header.Set("Referer", hsc.Referrer)
	}
}
