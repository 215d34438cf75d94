package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractorSingleObject(t *testing.T) {
	var e Extractor
	objs := e.Feed([]byte(`{"type":"system","session_id":"s1"}` + "\n"))
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"type":"system","session_id":"s1"}`, string(objs[0]))
	assert.Zero(t, e.Pending())
}

func TestExtractorArbitraryChunkBoundaries(t *testing.T) {
	frames := []string{
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"has } and \" in it"}]}}`,
		`{"type":"assistant","message":{"id":"m2","content":[{"type":"text","text":"second"}]}}`,
		`{"type":"result","result":"done"}`,
	}
	stream := frames[0] + "\n" + frames[1] + "\n" + frames[2] + "\n"

	// Feed the byte stream in every possible two-chunk split; the extractor
	// must yield the same three frames regardless of where the cut falls.
	for cut := 0; cut <= len(stream); cut++ {
		var e Extractor
		var got [][]byte
		got = append(got, e.Feed([]byte(stream[:cut]))...)
		got = append(got, e.Feed([]byte(stream[cut:]))...)

		require.Len(t, got, 3, "cut at %d", cut)
		for i, frame := range frames {
			assert.Equal(t, frame, string(got[i]), "cut at %d frame %d", cut, i)
		}
	}
}

func TestExtractorBracesInsideStrings(t *testing.T) {
	var e Extractor
	frame := `{"text":"open { and close } and escaped \" and backslash \\"}`
	objs := e.Feed([]byte(frame))
	require.Len(t, objs, 1)
	assert.Equal(t, frame, string(objs[0]))
}

func TestExtractorDiscardsInterFrameNoise(t *testing.T) {
	var e Extractor
	objs := e.Feed([]byte("some log noise\n{\"type\":\"result\"}\ntrailing"))
	require.Len(t, objs, 1)
	assert.Equal(t, `{"type":"result"}`, string(objs[0]))
	// Trailing non-object bytes are dropped, not buffered forever.
	assert.Zero(t, e.Pending())
}

func TestExtractorNestedObjects(t *testing.T) {
	var e Extractor
	frame := `{"a":{"b":{"c":1}},"d":[{"e":2}]}`
	objs := e.Feed([]byte(frame + `{"next":true}`))
	require.Len(t, objs, 2)
	assert.Equal(t, frame, string(objs[0]))
	assert.Equal(t, `{"next":true}`, string(objs[1]))
}

func TestExtractorHoldsIncompleteFrame(t *testing.T) {
	var e Extractor
	objs := e.Feed([]byte(`{"type":"assis`))
	assert.Empty(t, objs)
	assert.Positive(t, e.Pending())

	objs = e.Feed([]byte(`tant"}`))
	require.Len(t, objs, 1)
	assert.Equal(t, `{"type":"assistant"}`, string(objs[0]))
}

func TestParseStreamMessage(t *testing.T) {
	msg, ok := parseStreamMessage([]byte(`{"type":"assistant","session_id":"s9","message":{"id":"m1","content":[{"type":"text","text":"hi"}]}}`))
	require.True(t, ok)
	assert.Equal(t, "assistant", msg.Type)
	assert.Equal(t, "s9", msg.SessionID)
	require.NotNil(t, msg.Message)
	require.Len(t, msg.Message.Content, 1)
	assert.Equal(t, "hi", msg.Message.Content[0].Text)

	// A well-framed but malformed frame is dropped without affecting later
	// frames; the extractor already guaranteed brace balance, so this covers
	// e.g. invalid escape sequences.
	_, ok = parseStreamMessage([]byte(`{"type":`))
	assert.False(t, ok)
}
