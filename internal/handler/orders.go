package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mmeshcher/elin-system/internal/model"
	"github.com/mmeshcher/elin-system/internal/validation"
)

type createOrderRequest struct {
	PackageSize    int    `json:"package_size"`
	IdempotencyKey string `json:"idempotency_key"`
}

type orderResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	PackageSize    int        `json:"package_size"`
	AmountTWD      int64      `json:"amount_twd"`
	Status         string     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
	PaidAt         *time.Time `json:"paid_at"`
}

type simulatePaidResponse struct {
	Order         orderResponse `json:"order"`
	WalletBalance int64         `json:"wallet_balance"`
}

// CreateOrder создаёт заказ на покупку пакета кредитов. Повтор с тем же
// ключом идемпотентности возвращает существующий заказ со статусом 200.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	if !validation.IsValidPackageSize(req.PackageSize) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "package_size must be 1, 3 or 5")
		return
	}
	if !validation.IsValidIdempotencyKey(req.IdempotencyKey) {
		writeError(w, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "idempotency_key is invalid or too long")
		return
	}

	order, created, err := h.service.CreateOrder(r.Context(), info.UserID, req.PackageSize, req.IdempotencyKey)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toOrderResponse(order))
}

// SimulateOrderPaid помечает заказ оплаченным и начисляет кредиты.
// Доступно только вне production.
func (h *Handler) SimulateOrderPaid(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfo(w, r)
	if !ok {
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "Order not found")
		return
	}

	order, balance, err := h.service.SimulateOrderPaid(r.Context(), info.UserID, orderID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, simulatePaidResponse{
		Order:         toOrderResponse(order),
		WalletBalance: balance,
	})
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:             o.ID.String(),
		UserID:         o.UserID.String(),
		PackageSize:    o.PackageSize,
		AmountTWD:      o.AmountTWD,
		Status:         string(o.Status),
		IdempotencyKey: o.IdempotencyKey,
		CreatedAt:      o.CreatedAt,
		PaidAt:         o.PaidAt,
	}
}
