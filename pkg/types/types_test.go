package types_test

import (
	"testing"
	"time"

	"github.com/scrypster/memoir/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestJobTransitions(t *testing.T) {
	valid := []struct{ from, to types.JobStatus }{
		{types.JobQueued, types.JobInFlight},
		{types.JobInFlight, types.JobDone},
		{types.JobInFlight, types.JobQueued},
		{types.JobInFlight, types.JobFailed},
		{types.JobInFlight, types.JobDeadLettered},
		{types.JobDeadLettered, types.JobQueued},
		{types.JobFailed, types.JobQueued},
	}
	for _, tc := range valid {
		if !types.IsValidJobTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be valid", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to types.JobStatus }{
		{types.JobQueued, types.JobDone},
		{types.JobDone, types.JobQueued},
		{types.JobDeadLettered, types.JobInFlight},
		{"bogus", types.JobQueued},
	}
	for _, tc := range invalid {
		if types.IsValidJobTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be invalid", tc.from, tc.to)
		}
	}
}

func TestClassificationNormalize(t *testing.T) {
	c := types.ClassificationMetadata{
		Category: " Movie ",
		Tags:     []string{"Film", "sci-fi", "film", " "},
		Entities: []types.Entity{{Type: "Title", Value: " Inception "}, {Type: "", Value: "x"}},
	}
	c.Normalize()

	assert.Equal(t, "movie", c.Category)
	assert.Equal(t, []string{"film", "sci-fi"}, c.Tags)
	assert.Equal(t, []types.Entity{{Type: "title", Value: "Inception"}}, c.Entities)
	assert.True(t, c.HasTag("film"))
}

func TestSearchFilterMatches(t *testing.T) {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.True(t, types.SearchFilter{}.Matches("u1", "movie", created))
	assert.False(t, types.SearchFilter{OwnerID: "u2"}.Matches("u1", "movie", created))
	assert.True(t, types.SearchFilter{Categories: []string{"book", "movie"}}.Matches("u1", "movie", created))
	assert.False(t, types.SearchFilter{Categories: []string{"book"}}.Matches("u1", "movie", created))
	assert.False(t, types.SearchFilter{From: created.Add(time.Hour)}.Matches("u1", "movie", created))
	assert.True(t, types.SearchFilter{From: created, To: created}.Matches("u1", "movie", created))
}

func TestScheduleAnchor(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := types.ScheduleDefinition{CreatedAt: created}
	assert.Equal(t, created, d.Anchor())

	fired := created.Add(3 * time.Hour)
	d.LastFired = &fired
	assert.Equal(t, fired, d.Anchor())
}

func TestEmbeddingText(t *testing.T) {
	m := &types.MemoryRecord{Content: "body"}
	assert.Equal(t, "body", m.EmbeddingText())

	m.Title = "Inception"
	assert.Equal(t, "Inception\n\nbody", m.EmbeddingText())
}
