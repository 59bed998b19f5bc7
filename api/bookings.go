package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/service/saga"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BookingHandler struct {
	service saga.BookingUseCase
	logger  *zap.Logger
}

type flightLegRequest struct {
	FlightID     int64     `json:"flight_id"`
	FlightNumber string    `json:"flight_number"`
	Origin       string    `json:"origin"`
	Destination  string    `json:"destination"`
	DepartureAt  time.Time `json:"departure_at"`
	Seats        []int     `json:"seats"`
	FareCents    int64     `json:"fare_cents"`
	Currency     string    `json:"currency"`
}

type hotelRequest struct {
	HotelID          int64     `json:"hotel_id"`
	RoomType         string    `json:"room_type"`
	RoomNumbers      []int     `json:"room_numbers"`
	CheckIn          time.Time `json:"check_in"`
	CheckOut         time.Time `json:"check_out"`
	NightlyRateCents int64     `json:"nightly_rate_cents"`
	Currency         string    `json:"currency"`
}

type createBookingRequest struct {
	UserID        string             `json:"user_id"`
	ContactEmail  string             `json:"contact_email"`
	PaymentMethod string             `json:"payment_method"`
	BookingType   string             `json:"booking_type"`
	Flights       []flightLegRequest `json:"flights"`
	Hotel         *hotelRequest      `json:"hotel"`
}

type refundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

type bookingResponse struct {
	ID                   string     `json:"id"`
	Reference            string     `json:"reference"`
	SagaID               string     `json:"saga_id"`
	UserID               string     `json:"user_id"`
	ContactEmail         string     `json:"contact_email,omitempty"`
	BookingType          string     `json:"booking_type"`
	Status               string     `json:"status"`
	TotalAmount          int64      `json:"total_amount"`
	Currency             string     `json:"currency"`
	ReservationExpiresAt *time.Time `json:"reservation_expires_at,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type refundResponse struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	RefundRef string    `json:"refund_ref,omitempty"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func NewBookingHandler(service saga.BookingUseCase, logger *zap.Logger) *BookingHandler {
	return &BookingHandler{service: service, logger: logger}
}

func (h *BookingHandler) Register(router *gin.RouterGroup) {
	router.POST("/bookings", h.create)
	router.GET("/bookings/:id", h.get)
	router.GET("/bookings/reference/:reference", h.getByReference)
	router.GET("/bookings/saga/:saga_id", h.getBySaga)
	router.POST("/bookings/:id/cancel", h.cancel)
	router.POST("/bookings/:id/refunds", h.refund)
	router.GET("/bookings/:id/refunds", h.listRefunds)
}

func (h *BookingHandler) create(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	booking, err := h.service.CreateBooking(c.Request.Context(), req.toInput())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toBookingResponse(booking))
}

func (h *BookingHandler) get(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	booking, err := h.service.GetBooking(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(booking))
}

func (h *BookingHandler) getByReference(c *gin.Context) {
	booking, err := h.service.GetBookingByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(booking))
}

func (h *BookingHandler) getBySaga(c *gin.Context) {
	sagaID, err := uuid.Parse(c.Param("saga_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid saga id", "field": "saga_id"})
		return
	}
	booking, err := h.service.GetBookingBySaga(c.Request.Context(), sagaID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(booking))
}

func (h *BookingHandler) cancel(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	booking, err := h.service.CancelBooking(c.Request.Context(), id)
	if err != nil {
		// The booking is cancelled even when some steps had to be dead-lettered.
		if errors.Is(err, domain.ErrCompensationFailure) && booking != nil {
			c.JSON(http.StatusOK, toBookingResponse(booking))
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(booking))
}

func (h *BookingHandler) refund(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req refundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	refund, err := h.service.RefundBooking(c.Request.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRefundResponse(*refund))
}

func (h *BookingHandler) listRefunds(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	refunds, err := h.service.ListRefunds(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]refundResponse, 0, len(refunds))
	for _, r := range refunds {
		out = append(out, toRefundResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"refunds": out})
}

func (h *BookingHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrAlreadyConfirmed),
		errors.Is(err, domain.ErrNotConfirmed),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRefundExceedsTotal):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPaymentDeclined), errors.Is(err, domain.ErrTimeout):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrOverloaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bookingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking id", "field": "id"})
		return uuid.Nil, false
	}
	return id, true
}

func (r createBookingRequest) toInput() domain.NewBookingInput {
	in := domain.NewBookingInput{
		UserID:        r.UserID,
		ContactEmail:  r.ContactEmail,
		PaymentMethod: r.PaymentMethod,
		Type:          domain.BookingType(r.BookingType),
	}
	if len(r.Flights) > 0 {
		legs := make([]domain.FlightLeg, 0, len(r.Flights))
		for _, f := range r.Flights {
			legs = append(legs, domain.FlightLeg{
				FlightID:     f.FlightID,
				FlightNumber: f.FlightNumber,
				Origin:       f.Origin,
				Destination:  f.Destination,
				DepartureAt:  f.DepartureAt,
				Seats:        f.Seats,
				FareCents:    f.FareCents,
				Currency:     f.Currency,
			})
		}
		in.Product.Flight = &domain.FlightProduct{Legs: legs}
	}
	if r.Hotel != nil {
		in.Product.Hotel = &domain.HotelProduct{
			HotelID:          r.Hotel.HotelID,
			RoomType:         r.Hotel.RoomType,
			RoomNumbers:      r.Hotel.RoomNumbers,
			CheckIn:          r.Hotel.CheckIn,
			CheckOut:         r.Hotel.CheckOut,
			NightlyRateCents: r.Hotel.NightlyRateCents,
			Currency:         r.Hotel.Currency,
		}
	}
	return in
}

func toBookingResponse(b *domain.Booking) bookingResponse {
	return bookingResponse{
		ID:                   b.ID.String(),
		Reference:            b.Reference,
		SagaID:               b.SagaID.String(),
		UserID:               b.UserID,
		ContactEmail:         b.ContactEmail,
		BookingType:          string(b.Type),
		Status:               string(b.Status),
		TotalAmount:          b.TotalAmount,
		Currency:             b.Currency,
		ReservationExpiresAt: b.ReservationExpiresAt,
		FailureReason:        b.FailureReason,
		Version:              b.Version,
		CreatedAt:            b.CreatedAt,
		UpdatedAt:            b.UpdatedAt,
	}
}

func toRefundResponse(r domain.Refund) refundResponse {
	return refundResponse{
		ID:        r.ID.String(),
		BookingID: r.BookingID.String(),
		RefundRef: r.RefundRef,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Reason:    r.Reason,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
	}
}
