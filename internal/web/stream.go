package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/labforge/internal/orchestrator"
)

// handleStream serves a Server-Sent Events stream of a lab's status
// projection. The projection is re-read every streamInterval and sent as a
// "status" event whenever the status or the latest progress update changed.
// When the lab reaches a terminal status a "done" event closes the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if _, err := s.orch.Status(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.streamInterval)
	defer tick.Stop()

	var last string
	for {
		p, err := s.orch.Status(id)
		if err != nil {
			sendDone("lab not found")
			return
		}
		if key := streamKey(p); key != last {
			last = key
			data, err := json.Marshal(p)
			if err != nil {
				sendDone("encode error")
				return
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		}
		if p.Status.Terminal() {
			sendDone(string(p.Status))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}

// streamKey identifies what a client has already seen.
func streamKey(p *orchestrator.Projection) string {
	if p.LatestProgressUpdate == nil {
		return string(p.Status)
	}
	return fmt.Sprintf("%s/%d", p.Status, p.LatestProgressUpdate.Seq)
}
