package admin

import (
	"net/http"
)

type entry struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Partition int    `json:"partition"`
}

// handleEntries lists in-memory keys in order. It never reads the store.
func (h *AdminHandlers) handleEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	keys, hasMore, lastKey := page(h.m.Keys(), parseFrom(r), limit)
	writeJSONResponse(w, keys, hasMore, lastKey)
}

// handleEntry reads one key, loading it from the store when read-through is on
func (h *AdminHandlers) handleEntry(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	value, ok, err := h.m.Get(r.Context(), key)
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "key not found")
		return
	}

	writeJSONResponse(w, entry{Key: key, Value: value, Partition: h.m.PartitionID(key)}, false, "")
}
