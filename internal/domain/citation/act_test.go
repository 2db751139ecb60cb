package citation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalActName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"ipc lower", "ipc", "Indian Penal Code"},
		{"ipc upper", "IPC", "Indian Penal Code"},
		{"crpc", "CrPC", "Code of Criminal Procedure"},
		{"ni act", "NI Act", "Negotiable Instruments Act"},
		{"ni act dotted", "N.I. Act", "Negotiable Instruments Act"},
		{"trailing punctuation", "IPC.", "Indian Penal Code"},
		{"extra spaces", "  NI   Act ", "Negotiable Instruments Act"},
		{"unknown passes through", "Specific Relief Act", "Specific Relief Act"},
		{"unknown keeps case", "Benami Transactions Act", "Benami Transactions Act"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalActName(tt.input))
		})
	}
}

func TestNormalizeActName(t *testing.T) {
	// The comparison form collapses case and whitespace so IPC and
	// "Indian  Penal  Code" dedupe onto the same key.
	assert.Equal(t, NormalizeActName("IPC"), NormalizeActName("Indian Penal Code"))
	assert.Equal(t, "negotiable instruments act", NormalizeActName("NI Act"))
	assert.Equal(t, "specific relief act", NormalizeActName("  Specific  Relief   Act "))
}

func TestDedupeKey(t *testing.T) {
	a := &ExtractedCitation{ActName: "IPC", Section: "420"}
	b := &ExtractedCitation{ActName: "Indian Penal Code", Section: "420"}
	c := &ExtractedCitation{ActName: "Indian Penal Code", Section: "406"}

	assert.Equal(t, a.DedupeKey(), b.DedupeKey())
	assert.NotEqual(t, a.DedupeKey(), c.DedupeKey())
}

func TestVerificationStatus(t *testing.T) {
	assert.True(t, StatusVerified.IsTerminal())
	assert.True(t, StatusMismatch.IsTerminal())
	assert.True(t, StatusSectionNotFound.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusActUnavailable.IsTerminal())
	assert.False(t, StatusError.IsTerminal())

	for _, s := range []VerificationStatus{StatusPending, StatusVerified, StatusMismatch, StatusSectionNotFound, StatusActUnavailable, StatusError} {
		parsed, err := ParseVerificationStatus(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseVerificationStatus("resolved")
	assert.Error(t, err)
}

func TestCitationFields(t *testing.T) {
	c := &ExtractedCitation{
		ID:               uuid.New(),
		MatterID:         uuid.New(),
		ActName:          "NI Act",
		Section:          "138",
		Subsection:       "1",
		RawText:          "Section 138(1) of the NI Act",
		Confidence:       75,
		Status:           StatusPending,
		SourceDocumentID: uuid.New(),
	}
	assert.Equal(t, "negotiable instruments act|138", c.DedupeKey())
}
