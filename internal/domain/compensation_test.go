package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holdEntry(token string, kind InventoryKind) CompensationEntry {
	return HoldAcquired(HoldToken{Token: token, Product: ProductRef{Kind: kind, ResourceID: 1}})
}

func TestCompensationLog_PendingIsLIFO(t *testing.T) {
	log := CompensationLog{}.Append(testNow,
		holdEntry("flight-tok", InventoryFlight),
		holdEntry("hotel-tok", InventoryHotel),
		PaymentAuthorized("pi_1", 100, "EUR"),
	)

	pending := log.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, StepPaymentAuthorized, pending[0].Kind)
	assert.Equal(t, "hotel-tok", pending[1].Ref)
	assert.Equal(t, "flight-tok", pending[2].Ref)
	assert.False(t, log.Drained())
}

func TestCompensationLog_ReversalsDrain(t *testing.T) {
	log := CompensationLog{}.Append(testNow,
		holdEntry("tok", InventoryHotel),
		PaymentAuthorized("pi_1", 100, "EUR"),
	)
	log = log.Append(testNow, Reversal(StepPaymentVoided, log[1], ""))

	pending := log.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "tok", pending[0].Ref)

	log = log.Append(testNow, Reversal(StepDeadLettered, pending[0], "inventory down"))
	assert.True(t, log.Drained())
	assert.Equal(t, []int{1, 2, 3, 4}, seqs(log))
	assert.Equal(t, 1, log[3].Reverses)
}

func TestCompensationLog_AppendDoesNotAlias(t *testing.T) {
	base := CompensationLog{}.Append(testNow, holdEntry("a", InventoryHotel))
	left := base.Append(testNow, holdEntry("b", InventoryHotel))
	right := base.Append(testNow, holdEntry("c", InventoryHotel))

	assert.Len(t, base, 1)
	assert.Equal(t, "b", left[1].Ref)
	assert.Equal(t, "c", right[1].Ref)
}

func TestCompensationLog_CapturedAndHolds(t *testing.T) {
	log := CompensationLog{}.Append(testNow,
		holdEntry("tok", InventoryFlight),
		PaymentAuthorized("pi_1", 100, "EUR"),
		PaymentCaptured("pi_1", 100, "EUR"),
	)

	assert.True(t, log.Captured("pi_1"))
	assert.False(t, log.Captured("pi_2"))

	captured, ok := log.CapturedPayment()
	require.True(t, ok)
	assert.Equal(t, "pi_1", captured.Ref)

	holds := log.Holds()
	require.Len(t, holds, 1)
	assert.Equal(t, "tok", holds[0].Token)
	assert.Equal(t, InventoryFlight, holds[0].Product.Kind)
}

func TestProductDetails_Lines(t *testing.T) {
	lines := comboProduct().Lines(BookingTypeCombo)
	require.Len(t, lines, 3)

	assert.Equal(t, InventoryFlight, lines[0].Kind)
	assert.Equal(t, []string{"1", "2"}, lines[0].Units)
	assert.Equal(t, InventoryFlight, lines[1].Kind)
	assert.Equal(t, InventoryHotel, lines[2].Kind)
	assert.Equal(t, []string{"room:101:night:2026-03-03", "room:101:night:2026-03-04"}, lines[2].Units)
	assert.Equal(t, "hotel:3:line2", lines[2].String())
}

func seqs(log CompensationLog) []int {
	out := make([]int, len(log))
	for i, e := range log {
		out[i] = e.Seq
	}
	return out
}
