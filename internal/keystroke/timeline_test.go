package keystroke

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeline_TextAtUsesSnapshots(t *testing.T) {
	events := helloLog()
	events[2] = events[2].WithSnapshot("stored")
	tl := NewTimeline("", events)

	assert.Equal(t, "stored", tl.TextAt(2))
	// Later events build on the stored snapshot.
	assert.Equal(t, "stolred", tl.TextAt(3))
}

func TestTimeline_TextAtWithoutSnapshots(t *testing.T) {
	tl := NewTimeline("", helloLog())

	assert.Equal(t, "Hello", tl.TextAt(4))
	assert.Equal(t, "Hel", tl.TextAt(2))
	assert.Equal(t, "H", tl.TextAt(0))
}

func TestTimeline_TextAtFromInitial(t *testing.T) {
	tl := NewTimeline("Hi", []Event{NewDelete(1, 1, 0)})
	assert.Equal(t, "i", tl.TextAt(0))
}

func TestTimeline_Indexes(t *testing.T) {
	tl := NewTimeline("", helloLog())

	assert.Equal(t, int64(400), tl.DurationMs())
	assert.Equal(t, 0, tl.IndexAtOrAfter(0))
	assert.Equal(t, 2, tl.IndexAtOrAfter(150))
	assert.Equal(t, 2, tl.IndexAtOrAfter(200))
	assert.Equal(t, 4, tl.IndexAtOrAfter(10_000))
	assert.Equal(t, -1, tl.IndexAtOrBefore(-1))
	assert.Equal(t, 1, tl.IndexAtOrBefore(150))
	assert.Equal(t, 2, tl.IndexAtOrBefore(200))
	assert.Equal(t, 4, tl.IndexAtOrBefore(10_000))
	assert.Equal(t, 1, tl.IndexAtOrBefore(199.6))
	assert.Equal(t, 3, tl.IndexAtOrAfter(200.4))
}

func TestTimeline_PercentMapping(t *testing.T) {
	tl := NewTimeline("", helloLog())

	assert.Equal(t, 200.0, tl.TimeAt(50))
	assert.InDelta(t, 199.6, tl.TimeAt(49.9), 1e-9)
	assert.Equal(t, 25.0, tl.PercentAt(100))
	assert.Equal(t, 100.0, tl.PercentAt(400))

	single := NewTimeline("", []Event{NewInsert(0, "x", 0)})
	assert.Equal(t, 100.0, single.PercentAt(0))
	assert.Equal(t, 0.0, single.TimeAt(50))
}

func TestTimeline_Empty(t *testing.T) {
	tl := NewTimeline("Start", nil)

	assert.Equal(t, 0, tl.Len())
	assert.Equal(t, int64(0), tl.DurationMs())
	assert.Equal(t, -1, tl.IndexAtOrAfter(0))
	assert.Equal(t, -1, tl.IndexAtOrBefore(0))
	assert.Equal(t, "Start", tl.Initial())
	assert.Empty(t, tl.Prefix(3))
}

func TestTimeline_SortsInput(t *testing.T) {
	log := helloLog()
	tl := NewTimeline("", []Event{log[4], log[0], log[3], log[1], log[2]})

	assert.Equal(t, "Hello", tl.TextAt(4))
	assert.Equal(t, "Hel", ReconstructFrom("", tl.Prefix(3)))
}
