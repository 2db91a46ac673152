package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/guildtransfer/internal/middleware"
	"github.com/hitoshi/guildtransfer/internal/model"
	"github.com/hitoshi/guildtransfer/internal/transfer"
)

// TransferServiceInterface は移行ハンドラーが必要とするサービスインターフェース。
type TransferServiceInterface interface {
	// Start は事前条件を検証して移行レコードを作成し、バックグラウンドで実行を開始する。
	Start(ctx context.Context, req transfer.StartRequest) (*model.TransferProgress, error)
	// Status は移行ジョブの進捗スナップショットを返す。
	Status(ctx context.Context, transferID string) (*model.TransferProgress, error)
	// History はユーザーが開始した移行レコードを開始日時の昇順で返す。
	History(ctx context.Context, userID string) ([]*model.Transfer, error)
}

// startTransferRequest は移行開始リクエストのボディ。
type startTransferRequest struct {
	SourceGuildID string `json:"sourceGuildId"`
	TargetGuildID string `json:"targetGuildId"`
}

// transferResponse は移行履歴のAPIレスポンス。
type transferResponse struct {
	ID              string                `json:"id"`
	DiscordUserID   string                `json:"discordUserId"`
	SourceGuildID   string                `json:"sourceGuildId"`
	SourceGuildName string                `json:"sourceGuildName"`
	TargetGuildID   string                `json:"targetGuildId"`
	TargetGuildName string                `json:"targetGuildName"`
	Status          model.TransferStatus  `json:"status"`
	TotalMembers    int                   `json:"totalMembers"`
	SuccessCount    int                   `json:"successCount"`
	SkippedCount    int                   `json:"skippedCount"`
	FailedCount     int                   `json:"failedCount"`
	Results         []model.MemberOutcome `json:"results"`
	ErrorMessage    *string               `json:"errorMessage"`
	StartedAt       time.Time             `json:"startedAt"`
	CompletedAt     *time.Time            `json:"completedAt"`
}

// TransferHandler は移行ジョブのHTTPハンドラー。
type TransferHandler struct {
	service TransferServiceInterface
}

// NewTransferHandler はTransferHandlerを生成する。
func NewTransferHandler(service TransferServiceInterface) *TransferHandler {
	return &TransferHandler{service: service}
}

// StartTransfer は移行ジョブを開始する。
// POST /api/transfer/start
func (h *TransferHandler) StartTransfer(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req startTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid JSON body"))
		return
	}

	req.SourceGuildID = strings.TrimSpace(req.SourceGuildID)
	req.TargetGuildID = strings.TrimSpace(req.TargetGuildID)
	if req.SourceGuildID == "" || req.TargetGuildID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("sourceGuildId and targetGuildId are required"))
		return
	}

	progress, err := h.service.Start(r.Context(), transfer.StartRequest{
		UserID:        userID,
		SourceGuildID: req.SourceGuildID,
		TargetGuildID: req.TargetGuildID,
		Mode:          transfer.CheckpointEachMember,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, progress)
}

// GetStatus は移行ジョブの進捗を返す。
// GET /api/transfer/status/{id}
func (h *TransferHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.UserIDFromContext(r.Context()); err != nil {
		writeUnauthorized(w)
		return
	}

	transferID := chi.URLParam(r, "id")
	if transferID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("transfer id is required"))
		return
	}

	progress, err := h.service.Status(r.Context(), transferID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, progress)
}

// ListTransfers はユーザーの移行履歴を返す。
// GET /api/transfers
func (h *TransferHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	records, err := h.service.History(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]transferResponse, len(records))
	for i, t := range records {
		results[i] = toTransferResponse(t)
	}

	writeJSON(w, http.StatusOK, results)
}

// toTransferResponse はドメインのTransferをAPIレスポンス型に変換する。
func toTransferResponse(t *model.Transfer) transferResponse {
	resp := transferResponse{
		ID:              t.ID,
		DiscordUserID:   t.UserID,
		SourceGuildID:   t.SourceGuildID,
		SourceGuildName: t.SourceGuildName,
		TargetGuildID:   t.TargetGuildID,
		TargetGuildName: t.TargetGuildName,
		Status:          t.Status,
		TotalMembers:    t.TotalMembers,
		SuccessCount:    t.SuccessCount,
		SkippedCount:    t.SkippedCount,
		FailedCount:     t.FailedCount,
		Results:         t.Results,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
	if resp.Results == nil {
		resp.Results = []model.MemberOutcome{}
	}
	if t.ErrorMessage != "" {
		msg := t.ErrorMessage
		resp.ErrorMessage = &msg
	}
	return resp
}

// compile-time interface check
var _ TransferServiceInterface = (*transfer.Service)(nil)
