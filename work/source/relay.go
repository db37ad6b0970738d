package source

import (
	"context"
	"time"

	"mixreplace/work/client"
	"mixreplace/work/logger"
	"mixreplace/work/metrics"
	"mixreplace/work/types"
	"mixreplace/work/utils"
)

// RelaySource re-publishes the frames of another mixed-replace stream, for
// example a remote peer's server, on a local channel. It reconnects after the
// upstream ends or fails.
type RelaySource struct {
	name    string
	channel types.Channel
	url     string
	retry   time.Duration
	log     *logger.Logger
}

// NewRelaySource validates url and returns a relay source.
func NewRelaySource(name string, ch types.Channel, url string, retry time.Duration) (*RelaySource, error) {
	if _, err := client.NewMixedReplaceClient(url); err != nil {
		return nil, err
	}
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &RelaySource{name: name, channel: ch, url: url, retry: retry, log: logger.Default()}, nil
}

func (r *RelaySource) Name() string           { return r.name }
func (r *RelaySource) Channel() types.Channel { return r.channel }

// relayListener forwards client events into the sink.
type relayListener struct {
	src  *RelaySource
	sink Sink
}

func (l *relayListener) OnConnected() {
	l.src.log.Info("{source/relay - OnConnected} source %s connected to %s", l.src.name, utils.ObfuscateURL(l.src.url))
}

func (l *relayListener) OnReceivedData(data []byte) {
	l.sink.OfferMedia(l.src.channel, data)
	metrics.SourceFrames.WithLabelValues(l.src.name).Inc()
}

func (l *relayListener) OnError(code client.ErrorCode) {
	l.src.log.Warn("{source/relay - OnError} source %s: %s", l.src.name, code)
}

// Run keeps a client attached to the upstream until the context ends.
func (r *RelaySource) Run(ctx context.Context, sink Sink) error {
	for {
		c, err := client.NewMixedReplaceClient(r.url)
		if err != nil {
			return err
		}
		c.SetListener(&relayListener{src: r, sink: sink})
		c.Start()

		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-c.Done():
		}

		r.log.Debug("{source/relay - Run} source %s reconnecting in %s", r.name, r.retry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retry):
		}
	}
}
