package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// GetHistory возвращает страницу корневых вопросов текущего пользователя.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	limit, offset, ok := paginationParams(w, r, 20, 50)
	if !ok {
		return
	}

	page, err := h.service.GetHistory(r.Context(), info.UserID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// GetHistoryDetail возвращает дерево вопроса со всеми уточнениями.
func (h *Handler) GetHistoryDetail(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	questionID, err := uuid.Parse(chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "QUESTION_NOT_FOUND", "Question not found")
		return
	}

	detail, err := h.service.GetHistoryDetail(r.Context(), info.UserID, questionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}
