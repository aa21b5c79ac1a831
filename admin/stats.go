package admin

import (
	"net/http"
)

type keyFilterStats struct {
	Primed bool `json:"primed"`
	Size   uint `json:"size"`
}

type mapStats struct {
	Name        string          `json:"name"`
	Backend     string          `json:"backend,omitempty"`
	WriteMode   string          `json:"write_mode"`
	Partitions  int             `json:"partitions"`
	Entries     int             `json:"entries"`
	Listeners   int             `json:"listeners"`
	Pending     int             `json:"pending"`
	InFlight    int             `json:"in_flight"`
	DeadLetters int             `json:"dead_letters"`
	KeyFilter   *keyFilterStats `json:"key_filter,omitempty"`
}

// handleStats returns map and write-behind statistics
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	s := h.m.Stats()
	response := mapStats{
		Name:        h.m.Name(),
		Backend:     h.m.Backend(),
		WriteMode:   string(h.m.WriteMode()),
		Partitions:  h.m.Partitions(),
		Entries:     s.Entries,
		Listeners:   s.Listeners,
		Pending:     s.Pending,
		InFlight:    s.InFlight,
		DeadLetters: s.DeadLetters,
	}
	if f := h.m.KeyFilter(); f != nil {
		response.KeyFilter = &keyFilterStats{Primed: f.Primed(), Size: f.Size()}
	}

	writeJSONResponse(w, response, false, "")
}

// handleFlush writes all pending write-behind records synchronously
func (h *AdminHandlers) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := h.m.Flush(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSONResponse(w, map[string]int{"flushed": n}, false, "")
}

// handleSinks returns the status of every configured sink
func (h *AdminHandlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	if h.sinks == nil {
		writeJSONResponse(w, []any{}, false, "")
		return
	}
	writeJSONResponse(w, h.sinks.Status(), false, "")
}
