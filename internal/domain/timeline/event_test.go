package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAmbiguityRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		description string
		isAmbiguous bool
		reason      string
	}{
		{"plain event", "Cheque issued to Acme Traders", false, ""},
		{"ambiguous with reason", "Payment received", true, "date 01/02/2024 readable as DD/MM or MM/DD"},
		{"ambiguous without reason", "Notice served", true, ""},
		{"description containing brackets", "Order passed [on remand]", true, "year-only date"},
		{"empty description", "", true, "illegible day"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := EncodeDescription(tt.description, tt.isAmbiguous, tt.reason)
			desc, ambiguous, reason := DecodeDescription(stored)

			assert.Equal(t, tt.description, desc)
			assert.Equal(t, tt.isAmbiguous, ambiguous)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestEncodeDescriptionForms(t *testing.T) {
	assert.Equal(t, "Hearing adjourned", EncodeDescription("Hearing adjourned", false, ""))
	assert.Equal(t, "[AMBIGUOUS] Hearing adjourned", EncodeDescription("Hearing adjourned", true, ""))
	assert.Equal(t,
		"[AMBIGUOUS: DD/MM vs MM/DD] Hearing adjourned",
		EncodeDescription("Hearing adjourned", true, "DD/MM vs MM/DD"))
}

func TestDecodeDescriptionUnmarked(t *testing.T) {
	desc, ambiguous, reason := DecodeDescription("No marker here")
	assert.Equal(t, "No marker here", desc)
	assert.False(t, ambiguous)
	assert.Empty(t, reason)

	// A broken marker is left alone rather than guessed at.
	desc, ambiguous, _ = DecodeDescription("[AMBIGUOUS: unterminated")
	assert.Equal(t, "[AMBIGUOUS: unterminated", desc)
	assert.False(t, ambiguous)
}

func TestEventStoredDescription(t *testing.T) {
	e := Event{
		Description:     "Agreement signed",
		IsAmbiguous:     true,
		AmbiguityReason: "month-only date",
	}
	stored := e.StoredDescription()

	var restored Event
	restored.ApplyStoredDescription(stored)
	assert.Equal(t, e.Description, restored.Description)
	assert.Equal(t, e.IsAmbiguous, restored.IsAmbiguous)
	assert.Equal(t, e.AmbiguityReason, restored.AmbiguityReason)
}

func TestSortEventsAscending(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{Description: "third", EventDate: base.AddDate(0, 2, 0)},
		{Description: "first", EventDate: base},
		{Description: "second", EventDate: base.AddDate(0, 1, 0)},
	}

	SortEventsAscending(events)

	assert.Equal(t, "first", events[0].Description)
	assert.Equal(t, "second", events[1].Description)
	assert.Equal(t, "third", events[2].Description)
}

func TestParseDatePrecision(t *testing.T) {
	for _, p := range []DatePrecision{PrecisionDay, PrecisionMonth, PrecisionYear, PrecisionUnknown} {
		parsed, err := ParseDatePrecision(p.String())
		assert.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParseDatePrecision("week")
	assert.Error(t, err)
}
