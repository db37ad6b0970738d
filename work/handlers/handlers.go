package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"mixreplace/work/cache"
	"mixreplace/work/logger"
	"mixreplace/work/source"
	"mixreplace/work/types"
)

// MaxIngestSize caps the body of a single ingested frame.
const MaxIngestSize = 16 << 20

// channelVar resolves the {channel} route variable, answering 404 when it is unknown.
func channelVar(w http.ResponseWriter, r *http.Request) (types.Channel, bool) {
	ch, err := types.ParseChannel(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, "Channel not found", http.StatusNotFound)
		return 0, false
	}
	return ch, true
}

// HandleIngest accepts one encoded frame per request body and offers it on the
// channel named in the path.
func HandleIngest(sink source.Sink, running func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := channelVar(w, r)
		if !ok {
			return
		}
		if running != nil && !running() {
			http.Error(w, "Media server is not running", http.StatusServiceUnavailable)
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxIngestSize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Frame too large", http.StatusRequestEntityTooLarge)
				return
			}
			logger.Warn("{handlers/handlers - HandleIngest} failed reading frame for %s: %v", ch, err)
			http.Error(w, "Failed to read frame", http.StatusBadRequest)
			return
		}
		if len(data) == 0 {
			http.Error(w, "Empty frame", http.StatusBadRequest)
			return
		}

		sink.OfferMedia(ch, data)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSnapshot serves the latest frame offered on a channel as a single image.
func HandleSnapshot(fc *cache.FrameCache, contentType func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := channelVar(w, r)
		if !ok {
			return
		}

		frame, found := fc.Latest(ch)
		if !found {
			http.Error(w, "No recent frame", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", contentType())
		w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Last-Modified", frame.ReceivedAt.UTC().Format(http.TimeFormat))
		w.Header().Set("X-Frame-Age", time.Since(frame.ReceivedAt).Round(time.Millisecond).String())
		w.WriteHeader(http.StatusOK)
		w.Write(frame.Data)
	}
}
