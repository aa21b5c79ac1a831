package admin

import (
	"errors"
	"net/http"

	"github.com/maxpert/driftmap/writebehind"
)

const errWriteBehindDisabled = "write-behind is disabled"

// handleDeadLetters lists dead-lettered writes sorted by key
func (h *AdminHandlers) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	q := h.m.Queue()
	if q == nil {
		writeJSONResponse(w, []writebehind.Record{}, false, "")
		return
	}

	records := q.DeadLetters().List()
	keys := make([]string, len(records))
	byKey := make(map[string]writebehind.Record, len(records))
	for i, rec := range records {
		keys[i] = rec.Key
		byKey[rec.Key] = rec
	}

	window, hasMore, lastKey := page(keys, parseFrom(r), limit)
	out := make([]writebehind.Record, 0, len(window))
	for _, k := range window {
		out = append(out, byKey[k])
	}
	writeJSONResponse(w, out, hasMore, lastKey)
}

func (h *AdminHandlers) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	q := h.m.Queue()
	if q == nil {
		writeErrorResponse(w, http.StatusNotFound, errWriteBehindDisabled)
		return
	}
	rec, ok := q.DeadLetters().Get(key)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, writebehind.ErrDeadLetterNotFound.Error())
		return
	}
	writeJSONResponse(w, rec, false, "")
}

// handleRequeue gives a dead letter a fresh retry budget
func (h *AdminHandlers) handleRequeue(w http.ResponseWriter, r *http.Request) {
	h.resolveDeadLetter(w, r, "requeued", (*writebehind.Queue).Requeue)
}

// handleDiscard drops a dead letter without writing it
func (h *AdminHandlers) handleDiscard(w http.ResponseWriter, r *http.Request) {
	h.resolveDeadLetter(w, r, "discarded", (*writebehind.Queue).Discard)
}

func (h *AdminHandlers) resolveDeadLetter(w http.ResponseWriter, r *http.Request, verb string, fn func(*writebehind.Queue, string) error) {
	key, err := keyParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	q := h.m.Queue()
	if q == nil {
		writeErrorResponse(w, http.StatusNotFound, errWriteBehindDisabled)
		return
	}

	if err := fn(q, key); err != nil {
		if errors.Is(err, writebehind.ErrDeadLetterNotFound) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]string{verb: key}, false, "")
}
