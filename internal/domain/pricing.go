package domain

const basisPoints = 10_000

// Pricing computes booking totals in minor currency units. It holds no
// state besides configuration, so the same product always prices the same.
type Pricing struct {
	ComboDiscountBps int64
}

func (p Pricing) Total(t BookingType, product ProductDetails) (int64, string, error) {
	if err := product.Validate(t); err != nil {
		return 0, "", err
	}

	var (
		subtotal int64
		currency string
	)
	add := func(amount int64, cur string) error {
		if currency == "" {
			currency = cur
		} else if currency != cur {
			return NewValidationError("product_details", "all lines must use the same currency")
		}
		subtotal += amount
		return nil
	}

	if t == BookingTypeFlight || t == BookingTypeCombo {
		for _, leg := range product.Flight.Legs {
			if err := add(leg.FareCents*int64(len(leg.Seats)), leg.Currency); err != nil {
				return 0, "", err
			}
		}
	}
	if t == BookingTypeHotel || t == BookingTypeCombo {
		h := product.Hotel
		if err := add(h.NightlyRateCents*int64(h.Nights())*int64(len(h.RoomNumbers)), h.Currency); err != nil {
			return 0, "", err
		}
	}

	if t == BookingTypeCombo && p.ComboDiscountBps > 0 {
		subtotal -= subtotal * p.ComboDiscountBps / basisPoints
	}
	return subtotal, currency, nil
}
