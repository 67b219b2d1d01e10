package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/elin-system/internal/validation"
)

type askRequest struct {
	Question string `json:"question"`
	Lang     string `json:"lang"`
	Mode     string `json:"mode"`
}

// Ask принимает вопрос пользователя и возвращает сгенерированный ответ.
// Повтор с тем же Idempotency-Key возвращает сохранённый ответ байт в байт.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Lang == "" {
		req.Lang = "zh"
	}
	if req.Mode == "" {
		req.Mode = "analysis"
	}

	if !validation.IsValidQuestion(req.Question) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "question must be 1..1000 characters")
		return
	}
	if !validation.IsValidLang(req.Lang) || !validation.IsValidMode(req.Mode) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unsupported lang or mode")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && !validation.IsValidIdempotencyKey(key) {
		writeError(w, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "Idempotency-Key is invalid or too long")
		return
	}
	if key == "" {
		key = uuid.NewString()
	}

	payload, err := h.service.Ask(r.Context(), info.UserID, req.Question, req.Lang, req.Mode, key)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writePayload(w, payload)
}

// AskFollowup задаёт один из предложенных уточняющих вопросов.
func (h *Handler) AskFollowup(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	followupID, err := uuid.Parse(chi.URLParam(r, "followupID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "FOLLOWUP_NOT_FOUND", "Followup not found")
		return
	}

	payload, err := h.service.AskFollowup(r.Context(), info.UserID, followupID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writePayload(w, payload)
}

// writePayload отдаёт уже сериализованный JSON без повторного кодирования,
// чтобы повтор идемпотентного запроса был байт в байт равен оригиналу.
func writePayload(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
