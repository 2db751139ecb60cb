package citextract

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/testutil"
)

func testSource() Source {
	chunkID := uuid.New()
	page := 3
	return Source{
		MatterID:   uuid.New(),
		DocumentID: uuid.New(),
		ChunkID:    &chunkID,
		PageNumber: &page,
	}
}

func TestExtract_RegexPatterns(t *testing.T) {
	cases := []struct {
		name       string
		text       string
		act        string
		section    string
		subsection string
		clause     string
	}{
		{
			name:    "section of act with year",
			text:    "liable under Section 138 of the Negotiable Instruments Act, 1881 as amended",
			act:     "Negotiable Instruments Act, 1881",
			section: "138",
		},
		{
			name:       "subsection and clause",
			text:       "per Section 138(1)(b) of the NI Act the notice must issue",
			act:        "NI Act",
			section:    "138",
			subsection: "1",
			clause:     "b",
		},
		{
			name:    "u/s with bare acronym",
			text:    "charged u/s 420 IPC and remanded",
			act:     "IPC",
			section: "420",
		},
		{
			name:    "abbreviated section",
			text:    "condonation sought under S. 5 of the Limitation Act",
			act:     "Limitation Act",
			section: "5",
		},
		{
			name:    "alphanumeric section",
			text:    "punishable under Section 34A of the Companies Act",
			act:     "Companies Act",
			section: "34A",
		},
	}

	e := New(&testutil.FakeLLM{Responses: []string{"[]"}}, zaptest.NewLogger(t))
	src := testSource()

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Extract(context.Background(), src, tc.text)
			require.NoError(t, err)
			require.Len(t, got, 1)

			c := got[0]
			assert.Equal(t, tc.act, c.ActName)
			assert.Equal(t, tc.section, c.Section)
			assert.Equal(t, tc.subsection, c.Subsection)
			assert.Equal(t, tc.clause, c.Clause)
			assert.Equal(t, float64(RegexConfidence), c.Confidence)
			assert.Equal(t, citation.StatusPending, c.Status)
			assert.Equal(t, src.MatterID, c.MatterID)
			assert.Equal(t, src.DocumentID, c.SourceDocumentID)
			assert.Equal(t, src.ChunkID, c.SourceChunkID)
			assert.Equal(t, src.PageNumber, c.PageNumber)
			assert.NotEmpty(t, c.RawText)
		})
	}
}

func TestExtract_BlankInputSkipsModel(t *testing.T) {
	llm := &testutil.FakeLLM{Responses: []string{"[]"}}
	e := New(llm, zaptest.NewLogger(t))

	for _, text := range []string{"", "   ", "\n\t "} {
		got, err := e.Extract(context.Background(), testSource(), text)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Zero(t, llm.CallCount())
}

func TestExtract_ModelRecordWinsOnDuplicate(t *testing.T) {
	llm := &testutil.FakeLLM{Responses: []string{
		`[{"act_name":"Negotiable Instruments Act","section":"138","raw_text":"Section 138 of the NI Act","quoted_text":"Where any cheque drawn by a person...","confidence":92}]`,
	}}
	e := New(llm, zaptest.NewLogger(t))

	got, err := e.Extract(context.Background(), testSource(),
		"the complaint is under Section 138 of the NI Act")
	require.NoError(t, err)
	require.Len(t, got, 1, "regex and model hits for the same (act, section) collapse")

	c := got[0]
	assert.Equal(t, "Negotiable Instruments Act", c.ActName)
	assert.Equal(t, float64(92), c.Confidence)
	assert.Contains(t, c.QuotedText, "cheque", "the model record carries the quoted text")
}

func TestExtract_ModelAddsNewCitations(t *testing.T) {
	llm := &testutil.FakeLLM{Responses: []string{
		`[{"act_name":"Indian Evidence Act","section":"65B","raw_text":"certificate under 65B","confidence":80}]`,
	}}
	e := New(llm, zaptest.NewLogger(t))

	got, err := e.Extract(context.Background(), testSource(),
		"relying on Section 138 of the NI Act and the electronic record certificate")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "NI Act", got[0].ActName)
	assert.Equal(t, "Indian Evidence Act", got[1].ActName)
}

func TestExtract_ModelFailureKeepsRegexResults(t *testing.T) {
	e := New(&testutil.FakeLLM{Err: errors.New("model down")}, zaptest.NewLogger(t))

	got, err := e.Extract(context.Background(), testSource(),
		"the complaint is under Section 138 of the NI Act")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, float64(RegexConfidence), got[0].Confidence)
}

func TestExtract_FencedAndClampedModelOutput(t *testing.T) {
	llm := &testutil.FakeLLM{Responses: []string{
		"```json\n[{\"act_name\":\"Transfer of Property Act\",\"section\":\"106\",\"raw_text\":\"S.106\",\"confidence\":140}]\n```",
	}}
	e := New(llm, zaptest.NewLogger(t))

	got, err := e.Extract(context.Background(), testSource(), "notice to quit the premises")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, float64(100), got[0].Confidence)
}

func TestExtract_CanonicalizesKnownAbbreviations(t *testing.T) {
	e := New(&testutil.FakeLLM{Responses: []string{"[]"}}, zaptest.NewLogger(t))

	got, err := e.Extract(context.Background(), testSource(),
		"per Section 138(1) of the NI Act")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Negotiable Instruments Act", got[0].CanonicalActName)
}

func TestUniqueActs(t *testing.T) {
	mk := func(act string) *citation.ExtractedCitation {
		return &citation.ExtractedCitation{ActName: act, CanonicalActName: citation.CanonicalActName(act)}
	}

	acts := UniqueActs([]*citation.ExtractedCitation{
		mk("NI Act"), mk("ni act"), mk("IPC"), mk("Negotiable Instruments Act"), mk("Specific Relief Act"),
	})

	require.Len(t, acts, 3)
	assert.Equal(t, "Negotiable Instruments Act", acts[0].Display)
	assert.Equal(t, 3, acts[0].Count)
	assert.Equal(t, "Indian Penal Code", acts[1].Display)
	assert.Equal(t, "Specific Relief Act", acts[2].Display)
	assert.Equal(t, "specific relief act", acts[2].Normalized)
}
