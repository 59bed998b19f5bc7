package domain

// Customer is the profile the customer directory holds for a user. Only the
// contact details are used, to fill in bookings created without them.
type Customer struct {
	UserID   string
	FullName string
	Email    string
	Phone    string
}
