package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Domenick1991/tripsaga/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeadLetterHandler lets operators list compensation steps that could not be
// reversed automatically and mark them resolved once handled by hand.
type DeadLetterHandler struct {
	repo   repository.DeadLetterRepository
	now    func() time.Time
	logger *zap.Logger
}

type deadLetterResponse struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	SagaID    string    `json:"saga_id"`
	EntrySeq  int       `json:"entry_seq"`
	EntryKind string    `json:"entry_kind"`
	EntryRef  string    `json:"entry_ref"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

func NewDeadLetterHandler(repo repository.DeadLetterRepository, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{repo: repo, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

func (h *DeadLetterHandler) Register(router *gin.RouterGroup) {
	router.GET("/dead-letters", h.list)
	router.POST("/dead-letters/:id/resolve", h.resolve)
}

func (h *DeadLetterHandler) list(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "field": "limit"})
			return
		}
		limit = n
	}
	items, err := h.repo.ListUnresolved(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]deadLetterResponse, 0, len(items))
	for _, dl := range items {
		out = append(out, deadLetterResponse{
			ID:        dl.ID.String(),
			BookingID: dl.BookingID.String(),
			SagaID:    dl.SagaID.String(),
			EntrySeq:  dl.Entry.Seq,
			EntryKind: string(dl.Entry.Kind),
			EntryRef:  dl.Entry.Ref,
			Error:     dl.Error,
			Attempts:  dl.Attempts,
			CreatedAt: dl.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": out})
}

func (h *DeadLetterHandler) resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter id", "field": "id"})
		return
	}
	if err := h.repo.Resolve(c.Request.Context(), id, h.now()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("dead letter resolved", zap.String("dead_letter_id", id.String()))
	c.Status(http.StatusNoContent)
}
