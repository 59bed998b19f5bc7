package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type InventoryKind string

const (
	InventoryFlight InventoryKind = "flight"
	InventoryHotel  InventoryKind = "hotel"
)

const dateLayout = "2006-01-02"

// Limits on a single booking. They keep the number of held units and the
// priced total small enough for the inventory and for int64 cents.
const (
	MaxFlightLegs  = 6
	MaxSeatsPerLeg = 9
	MaxRooms       = 9
	MaxNights      = 30
	MaxAmountCents = 100_000_000
)

type FlightLeg struct {
	FlightID     int64     `json:"flight_id"`
	FlightNumber string    `json:"flight_number"`
	Origin       string    `json:"origin"`
	Destination  string    `json:"destination"`
	DepartureAt  time.Time `json:"departure_at"`
	Seats        []int     `json:"seats"`
	FareCents    int64     `json:"fare_cents"`
	Currency     string    `json:"currency"`
}

type FlightProduct struct {
	Legs []FlightLeg `json:"legs"`
}

type HotelProduct struct {
	HotelID          int64     `json:"hotel_id"`
	RoomType         string    `json:"room_type"`
	RoomNumbers      []int     `json:"room_numbers"`
	CheckIn          time.Time `json:"check_in"`
	CheckOut         time.Time `json:"check_out"`
	NightlyRateCents int64     `json:"nightly_rate_cents"`
	Currency         string    `json:"currency"`
}

// Nights counts calendar nights between check-in and check-out.
func (h HotelProduct) Nights() int {
	in := truncateDay(h.CheckIn)
	out := truncateDay(h.CheckOut)
	return int(out.Sub(in).Hours() / 24)
}

// ProductDetails is the tagged payload of a booking. Which variant must be
// present is decided by the BookingType; Validate enforces it.
type ProductDetails struct {
	Flight *FlightProduct `json:"flight,omitempty"`
	Hotel  *HotelProduct  `json:"hotel,omitempty"`
}

func (p ProductDetails) Validate(t BookingType) error {
	switch t {
	case BookingTypeFlight:
		if p.Hotel != nil {
			return NewValidationError("product_details.hotel", "is not allowed for FLIGHT bookings")
		}
		return p.validateFlight()
	case BookingTypeHotel:
		if p.Flight != nil {
			return NewValidationError("product_details.flight", "is not allowed for HOTEL bookings")
		}
		return p.validateHotel()
	case BookingTypeCombo:
		if err := p.validateFlight(); err != nil {
			return err
		}
		return p.validateHotel()
	default:
		return NewValidationError("booking_type", fmt.Sprintf("unknown type %q", t))
	}
}

func (p ProductDetails) validateFlight() error {
	if p.Flight == nil || len(p.Flight.Legs) == 0 {
		return NewValidationError("product_details.flight.legs", "must contain at least one leg")
	}
	if len(p.Flight.Legs) > MaxFlightLegs {
		return NewValidationError("product_details.flight.legs", fmt.Sprintf("must contain at most %d legs", MaxFlightLegs))
	}
	for i, leg := range p.Flight.Legs {
		field := fmt.Sprintf("product_details.flight.legs[%d]", i)
		if leg.FlightID <= 0 {
			return NewValidationError(field+".flight_id", "must be positive")
		}
		if len(leg.Seats) == 0 {
			return NewValidationError(field+".seats", "must contain at least one seat")
		}
		if len(leg.Seats) > MaxSeatsPerLeg {
			return NewValidationError(field+".seats", fmt.Sprintf("must contain at most %d seats", MaxSeatsPerLeg))
		}
		if err := positiveUnique(field+".seats", leg.Seats); err != nil {
			return err
		}
		if leg.FareCents <= 0 || leg.FareCents > MaxAmountCents {
			return NewValidationError(field+".fare_cents", fmt.Sprintf("must be between 1 and %d", MaxAmountCents))
		}
		if !validCurrency(leg.Currency) {
			return NewValidationError(field+".currency", "must be a 3-letter ISO code")
		}
	}
	return nil
}

func (p ProductDetails) validateHotel() error {
	h := p.Hotel
	if h == nil {
		return NewValidationError("product_details.hotel", "is required")
	}
	if h.HotelID <= 0 {
		return NewValidationError("product_details.hotel.hotel_id", "must be positive")
	}
	if len(h.RoomNumbers) == 0 {
		return NewValidationError("product_details.hotel.room_numbers", "must contain at least one room")
	}
	if len(h.RoomNumbers) > MaxRooms {
		return NewValidationError("product_details.hotel.room_numbers", fmt.Sprintf("must contain at most %d rooms", MaxRooms))
	}
	if err := positiveUnique("product_details.hotel.room_numbers", h.RoomNumbers); err != nil {
		return err
	}
	if h.CheckIn.IsZero() || h.CheckOut.IsZero() || h.Nights() < 1 {
		return NewValidationError("product_details.hotel.check_out", "must be at least one night after check_in")
	}
	if h.Nights() > MaxNights {
		return NewValidationError("product_details.hotel.check_out", fmt.Sprintf("must be at most %d nights after check_in", MaxNights))
	}
	if h.NightlyRateCents <= 0 || h.NightlyRateCents > MaxAmountCents {
		return NewValidationError("product_details.hotel.nightly_rate_cents", fmt.Sprintf("must be between 1 and %d", MaxAmountCents))
	}
	if !validCurrency(h.Currency) {
		return NewValidationError("product_details.hotel.currency", "must be a 3-letter ISO code")
	}
	return nil
}

// ProductRef identifies one holdable product line of a booking: a flight
// leg with its seats, or a hotel stay with its room-nights.
type ProductRef struct {
	Kind       InventoryKind `json:"kind"`
	Line       int           `json:"line"`
	ResourceID int64         `json:"resource_id"`
	Units      []string      `json:"units"`
}

func (r ProductRef) String() string {
	return fmt.Sprintf("%s:%d:line%d", r.Kind, r.ResourceID, r.Line)
}

// Lines returns one ProductRef per product line in a stable order: flight
// legs first, then the hotel stay.
func (p ProductDetails) Lines(t BookingType) []ProductRef {
	var refs []ProductRef
	addFlight := func() {
		for _, leg := range p.Flight.Legs {
			units := make([]string, 0, len(leg.Seats))
			for _, seat := range leg.Seats {
				units = append(units, strconv.Itoa(seat))
			}
			refs = append(refs, ProductRef{Kind: InventoryFlight, Line: len(refs), ResourceID: leg.FlightID, Units: units})
		}
	}
	addHotel := func() {
		h := p.Hotel
		nights := h.Nights()
		units := make([]string, 0, len(h.RoomNumbers)*nights)
		for _, room := range h.RoomNumbers {
			for n := 0; n < nights; n++ {
				night := truncateDay(h.CheckIn).AddDate(0, 0, n).Format(dateLayout)
				units = append(units, fmt.Sprintf("room:%d:night:%s", room, night))
			}
		}
		refs = append(refs, ProductRef{Kind: InventoryHotel, Line: len(refs), ResourceID: h.HotelID, Units: units})
	}

	switch t {
	case BookingTypeFlight:
		addFlight()
	case BookingTypeHotel:
		addHotel()
	case BookingTypeCombo:
		addFlight()
		addHotel()
	}
	return refs
}

func (p ProductDetails) clone() ProductDetails {
	var c ProductDetails
	if p.Flight != nil {
		f := FlightProduct{Legs: make([]FlightLeg, len(p.Flight.Legs))}
		for i, leg := range p.Flight.Legs {
			leg.Seats = append([]int(nil), leg.Seats...)
			f.Legs[i] = leg
		}
		c.Flight = &f
	}
	if p.Hotel != nil {
		h := *p.Hotel
		h.RoomNumbers = append([]int(nil), p.Hotel.RoomNumbers...)
		c.Hotel = &h
	}
	return c
}

func positiveUnique(field string, values []int) error {
	seen := make(map[int]struct{}, len(values))
	for _, v := range values {
		if v <= 0 {
			return NewValidationError(field, "must be positive")
		}
		if _, dup := seen[v]; dup {
			return NewValidationError(field, fmt.Sprintf("contains duplicate %d", v))
		}
		seen[v] = struct{}{}
	}
	return nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	return strings.ToUpper(c) == c
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
