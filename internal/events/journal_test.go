package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndList(t *testing.T) {
	j := NewJournal(0)
	j.Append("R1", "join-room", map[string]any{"user": "alice"})
	j.Append("R2", "join-room", nil)
	j.Append("R1", "start-recording", nil)

	got := j.List("R1")
	require.Len(t, got, 2)
	assert.Equal(t, "join-room", got[0].Type)
	assert.Equal(t, "start-recording", got[1].Type)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Empty(t, j.List("nope"))
}

func TestListIsBoundedWithMarker(t *testing.T) {
	j := NewJournal(5)
	for i := 0; i < 12; i++ {
		j.Append("R1", fmt.Sprintf("e%d", i), nil)
	}
	got := j.List("R1")
	require.Len(t, got, 6)
	assert.Equal(t, TypeTruncated, got[0].Type)
	assert.Equal(t, 7, got[0].Payload["dropped"])
	assert.Equal(t, "e7", got[1].Type)
	assert.Equal(t, "e11", got[5].Type)
}

func TestForget(t *testing.T) {
	j := NewJournal(0)
	j.Append("R1", "x", nil)
	j.Forget("R1")
	assert.Empty(t, j.List("R1"))
}
