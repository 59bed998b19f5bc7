package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func flightProduct() ProductDetails {
	return ProductDetails{Flight: &FlightProduct{Legs: []FlightLeg{
		{FlightID: 7, FlightNumber: "SU100", Origin: "SVO", Destination: "LED", DepartureAt: testNow.Add(48 * time.Hour), Seats: []int{1, 2}, FareCents: 10_000, Currency: "EUR"},
		{FlightID: 8, FlightNumber: "SU101", Origin: "LED", Destination: "SVO", DepartureAt: testNow.Add(96 * time.Hour), Seats: []int{5}, FareCents: 12_000, Currency: "EUR"},
	}}}
}

func hotelProduct() ProductDetails {
	return ProductDetails{Hotel: &HotelProduct{
		HotelID: 3, RoomType: "double", RoomNumbers: []int{101},
		CheckIn: testNow.Add(48 * time.Hour), CheckOut: testNow.Add(96 * time.Hour),
		NightlyRateCents: 8_000, Currency: "EUR",
	}}
}

func comboProduct() ProductDetails {
	return ProductDetails{Flight: flightProduct().Flight, Hotel: hotelProduct().Hotel}
}

func TestBookingStatus_CanTransitionTo(t *testing.T) {
	all := []BookingStatus{
		BookingStatusCreated, BookingStatusInventoryHeld, BookingStatusPaymentPending,
		BookingStatusConfirmed, BookingStatusCompensating, BookingStatusCancelled,
	}
	allowed := map[[2]BookingStatus]bool{
		{BookingStatusCreated, BookingStatusInventoryHeld}:        true,
		{BookingStatusCreated, BookingStatusCompensating}:         true,
		{BookingStatusInventoryHeld, BookingStatusPaymentPending}: true,
		{BookingStatusInventoryHeld, BookingStatusCompensating}:   true,
		{BookingStatusPaymentPending, BookingStatusConfirmed}:     true,
		{BookingStatusPaymentPending, BookingStatusCompensating}:  true,
		{BookingStatusCompensating, BookingStatusCancelled}:       true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]BookingStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestBookingStatus_TerminalAndActive(t *testing.T) {
	tests := []struct {
		status   BookingStatus
		terminal bool
		active   bool
	}{
		{BookingStatusCreated, false, true},
		{BookingStatusInventoryHeld, false, true},
		{BookingStatusPaymentPending, false, true},
		{BookingStatusCompensating, false, false},
		{BookingStatusConfirmed, true, false},
		{BookingStatusCancelled, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.active, tt.status.Active())
		})
	}
}

func newTestBooking(t *testing.T, bt BookingType, product ProductDetails) *Booking {
	t.Helper()
	b, err := NewBooking(NewBookingInput{
		UserID:        "user-1",
		PaymentMethod: "pm_card_visa",
		Type:          bt,
		Product:       product,
	}, Pricing{ComboDiscountBps: 500}, testNow, 15*time.Minute)
	require.NoError(t, err)
	return b
}

func TestNewBooking(t *testing.T) {
	b := newTestBooking(t, BookingTypeFlight, flightProduct())

	assert.Equal(t, BookingStatusCreated, b.Status)
	assert.Equal(t, int64(1), b.Version)
	assert.NotEqual(t, b.ID, b.SagaID)
	assert.Len(t, b.Reference, ReferenceLength)
	require.NotNil(t, b.ReservationExpiresAt)
	assert.Equal(t, testNow.Add(15*time.Minute), *b.ReservationExpiresAt)
	assert.Equal(t, int64(32_000), b.TotalAmount)
	assert.Equal(t, "EUR", b.Currency)
	assert.Empty(t, b.CompensationLog)
}

func TestNewBooking_Validation(t *testing.T) {
	tests := []struct {
		name  string
		in    NewBookingInput
		field string
	}{
		{
			name:  "missing user",
			in:    NewBookingInput{PaymentMethod: "pm", Type: BookingTypeFlight, Product: flightProduct()},
			field: "user_id",
		},
		{
			name:  "missing payment method",
			in:    NewBookingInput{UserID: "u", Type: BookingTypeFlight, Product: flightProduct()},
			field: "payment_method",
		},
		{
			name:  "unknown type",
			in:    NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: "CRUISE", Product: flightProduct()},
			field: "booking_type",
		},
		{
			name:  "hotel payload on flight booking",
			in:    NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeFlight, Product: comboProduct()},
			field: "product_details.hotel",
		},
		{
			name:  "combo without hotel",
			in:    NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeCombo, Product: flightProduct()},
			field: "product_details.hotel",
		},
		{
			name: "duplicate seat",
			in: func() NewBookingInput {
				p := flightProduct()
				p.Flight.Legs[0].Seats = []int{4, 4}
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeFlight, Product: p}
			}(),
			field: "product_details.flight.legs[0].seats",
		},
		{
			name: "zero nights",
			in: func() NewBookingInput {
				p := hotelProduct()
				p.Hotel.CheckOut = p.Hotel.CheckIn
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeHotel, Product: p}
			}(),
			field: "product_details.hotel.check_out",
		},
		{
			name: "stay too long",
			in: func() NewBookingInput {
				p := hotelProduct()
				p.Hotel.CheckOut = p.Hotel.CheckIn.AddDate(40, 0, 0)
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeHotel, Product: p}
			}(),
			field: "product_details.hotel.check_out",
		},
		{
			name: "too many rooms",
			in: func() NewBookingInput {
				p := hotelProduct()
				p.Hotel.RoomNumbers = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeHotel, Product: p}
			}(),
			field: "product_details.hotel.room_numbers",
		},
		{
			name: "too many seats",
			in: func() NewBookingInput {
				p := flightProduct()
				p.Flight.Legs[0].Seats = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeFlight, Product: p}
			}(),
			field: "product_details.flight.legs[0].seats",
		},
		{
			name: "too many legs",
			in: func() NewBookingInput {
				p := flightProduct()
				for len(p.Flight.Legs) <= MaxFlightLegs {
					p.Flight.Legs = append(p.Flight.Legs, p.Flight.Legs[1])
				}
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeFlight, Product: p}
			}(),
			field: "product_details.flight.legs",
		},
		{
			name: "fare that would overflow the total",
			in: func() NewBookingInput {
				p := flightProduct()
				p.Flight.Legs[0].FareCents = math.MaxInt64 / 2
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeFlight, Product: p}
			}(),
			field: "product_details.flight.legs[0].fare_cents",
		},
		{
			name: "nightly rate over the cap",
			in: func() NewBookingInput {
				p := hotelProduct()
				p.Hotel.NightlyRateCents = MaxAmountCents + 1
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeHotel, Product: p}
			}(),
			field: "product_details.hotel.nightly_rate_cents",
		},
		{
			name: "mixed currencies",
			in: func() NewBookingInput {
				p := comboProduct()
				p.Hotel.Currency = "USD"
				return NewBookingInput{UserID: "u", PaymentMethod: "pm", Type: BookingTypeCombo, Product: p}
			}(),
			field: "product_details",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBooking(tt.in, Pricing{}, testNow, time.Minute)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestPricing_Total(t *testing.T) {
	tests := []struct {
		name    string
		bt      BookingType
		product ProductDetails
		bps     int64
		want    int64
	}{
		{"flight sums fare per seat", BookingTypeFlight, flightProduct(), 500, 2*10_000 + 12_000},
		{"hotel sums nights per room", BookingTypeHotel, hotelProduct(), 500, 2 * 8_000},
		{"combo gets discount", BookingTypeCombo, comboProduct(), 500, 48_000 - 48_000*500/10_000},
		{"combo without discount", BookingTypeCombo, comboProduct(), 0, 48_000},
		{"largest allowed booking stays positive", BookingTypeHotel, func() ProductDetails {
			p := hotelProduct()
			p.Hotel.RoomNumbers = []int{1, 2, 3, 4, 5, 6, 7, 8, 9}
			p.Hotel.CheckOut = p.Hotel.CheckIn.AddDate(0, 0, MaxNights)
			p.Hotel.NightlyRateCents = MaxAmountCents
			return p
		}(), 0, int64(MaxRooms) * MaxNights * MaxAmountCents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, currency, err := Pricing{ComboDiscountBps: tt.bps}.Total(tt.bt, tt.product)
			require.NoError(t, err)
			assert.Equal(t, tt.want, total)
			assert.Equal(t, "EUR", currency)
		})
	}
}

func TestBooking_Apply(t *testing.T) {
	b := newTestBooking(t, BookingTypeHotel, hotelProduct())
	token := HoldToken{Token: "tok", Product: ProductRef{Kind: InventoryHotel, ResourceID: 3}}
	later := testNow.Add(time.Minute)
	expires := later.Add(15 * time.Minute)

	t.Run("version mismatch", func(t *testing.T) {
		_, err := b.Apply(Transition{ExpectedVersion: 7, To: BookingStatusInventoryHeld}, later)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("edge not in graph", func(t *testing.T) {
		_, err := b.Apply(Transition{ExpectedVersion: b.Version, To: BookingStatusConfirmed}, later)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, BookingStatusCreated, terr.From)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("holds acquired", func(t *testing.T) {
		next, err := b.Apply(Transition{
			ExpectedVersion: b.Version,
			To:              BookingStatusInventoryHeld,
			Append:          []CompensationEntry{HoldAcquired(token)},
			ExpiresAt:       &expires,
		}, later)
		require.NoError(t, err)

		assert.Equal(t, BookingStatusInventoryHeld, next.Status)
		assert.Equal(t, b.Version+1, next.Version)
		assert.Equal(t, expires, *next.ReservationExpiresAt)
		require.Len(t, next.CompensationLog, 1)
		assert.Equal(t, 1, next.CompensationLog[0].Seq)
		assert.Equal(t, later, next.CompensationLog[0].RecordedAt)

		assert.Equal(t, BookingStatusCreated, b.Status, "receiver must not change")
		assert.Empty(t, b.CompensationLog)
	})

	t.Run("leaving the active states clears expiry", func(t *testing.T) {
		next, err := b.Apply(Transition{ExpectedVersion: b.Version, To: BookingStatusCompensating, FailureReason: "boom"}, later)
		require.NoError(t, err)
		assert.Nil(t, next.ReservationExpiresAt)
		assert.Equal(t, "boom", next.FailureReason)
	})
}

func TestNewReference(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ref := NewReference()
		require.Len(t, ref, ReferenceLength)
		for _, r := range ref {
			assert.Contains(t, referenceAlphabet, string(r))
		}
		seen[ref] = true
	}
	assert.Greater(t, len(seen), 190)
}
