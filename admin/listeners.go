package admin

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

func (h *AdminHandlers) handleListeners(w http.ResponseWriter, r *http.Request) {
	regs := h.m.Engine().Registrations()
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })
	writeJSONResponse(w, regs, false, "")
}

func (h *AdminHandlers) handleListener(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := h.m.Engine().Registration(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "listener not found")
		return
	}
	writeJSONResponse(w, info, false, "")
}

func (h *AdminHandlers) handleRemoveListener(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.m.RemoveEntryListener(id) {
		writeErrorResponse(w, http.StatusNotFound, "listener not found")
		return
	}
	writeJSONResponse(w, map[string]string{"removed": id}, false, "")
}
