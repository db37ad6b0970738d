package types

import (
	"fmt"
	"strings"
	"time"
)

// Stream sizing limits shared by the media server and its frame queues.
const (
	MaxMediaCache = 4 // frames retained per session queue before the oldest is evicted
	MaxClientSize = 8 // concurrent streaming sessions admitted by one server
)

// Channel identifies which logical media stream a client is subscribed to. Every
// session owns one frame queue per channel and producers tag each offered frame
// with the channel it belongs to. The numeric value doubles as the queue index.
type Channel int

const (
	ChannelLocal  Channel = iota // frames produced on this device
	ChannelRemote                // frames relayed from the remote peer
	channelCount
)

// Channels lists every known channel in queue index order.
var Channels = [...]Channel{ChannelLocal, ChannelRemote}

// NumChannels is the number of per-session queues a session allocates.
const NumChannels = int(channelCount)

// String returns the channel name as it appears in stream URLs.
func (c Channel) String() string {
	switch c {
	case ChannelLocal:
		return "local"
	case ChannelRemote:
		return "remote"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	return c >= 0 && c < channelCount
}

// VideoPath returns the request path serving this channel for the given path token.
func (c Channel) VideoPath(token string) string {
	return "/" + c.String() + "/video/" + token
}

// ParseChannel resolves a channel name (case-insensitive) as used in URLs,
// configuration files and the ingest API.
func ParseChannel(name string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "local":
		return ChannelLocal, nil
	case "remote":
		return ChannelRemote, nil
	default:
		return -1, fmt.Errorf("unknown channel %q", name)
	}
}

// SessionInfo is an immutable snapshot of one client session, exposed through the
// admin API and persisted to the session history store once the session closes.
type SessionInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	Channel       string    `json:"channel"`
	ConnectedAt   time.Time `json:"connectedAt"`
	ClosedAt      time.Time `json:"closedAt,omitempty"`
	FramesSent    int64     `json:"framesSent"`
	BytesSent     int64     `json:"bytesSent"`
	FramesDropped int64     `json:"framesDropped"`
	CloseReason   string    `json:"closeReason,omitempty"`
}

// StatusResponse is the payload served by the admin status endpoint.
type StatusResponse struct {
	Running      bool              `json:"running"`
	Port         int               `json:"port"`
	Boundary     string            `json:"boundary"`
	ContentType  string            `json:"contentType"`
	ServerName   string            `json:"serverName"`
	FPS          int               `json:"fps"`
	URLs         map[string]string `json:"urls"`
	Sessions     int               `json:"sessions"`
	MaxClients   int               `json:"maxClients"`
	Sources      []string          `json:"sources"`
	Uptime       string            `json:"uptime"`
	MemoryUsage  string            `json:"memoryUsage"`
	LogLevel     string            `json:"logLevel"`
	HistoryStore bool              `json:"historyStore"`

	StalledChannels []string `json:"stalledChannels,omitempty"`
}
