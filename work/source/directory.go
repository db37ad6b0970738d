package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/ratelimit"

	"mixreplace/work/metrics"
	"mixreplace/work/types"
)

// frameExtensions lists the file types a DirectorySource picks up.
var frameExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bin":  true,
}

// DirectorySource plays the encoded frames stored in a directory, in file name
// order, at a fixed rate.
type DirectorySource struct {
	name    string
	channel types.Channel
	dir     string
	fps     int
	loop    bool
}

// NewDirectorySource creates a source reading frames from dir.
func NewDirectorySource(name string, ch types.Channel, dir string, fps int, loop bool) *DirectorySource {
	if fps < 1 {
		fps = 1
	}
	return &DirectorySource{name: name, channel: ch, dir: dir, fps: fps, loop: loop}
}

func (d *DirectorySource) Name() string           { return d.name }
func (d *DirectorySource) Channel() types.Channel { return d.channel }

// loadFrames reads every frame file of the directory into memory.
func (d *DirectorySource) loadFrames() ([][]byte, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	frames := make([][]byte, 0, len(names))
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(d.dir, n))
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %s: %w", n, err)
		}
		if len(data) > 0 {
			frames = append(frames, data)
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames found in %s", d.dir)
	}
	return frames, nil
}

// Run offers the frames until the context ends, or after one pass when not looping.
func (d *DirectorySource) Run(ctx context.Context, sink Sink) error {
	frames, err := d.loadFrames()
	if err != nil {
		return err
	}

	limiter := ratelimit.New(d.fps)
	produced := metrics.SourceFrames.WithLabelValues(d.name)

	for {
		for _, frame := range frames {
			limiter.Take()
			if err := ctx.Err(); err != nil {
				return err
			}
			sink.OfferMedia(d.channel, frame)
			produced.Inc()
		}
		if !d.loop {
			return nil
		}
	}
}
