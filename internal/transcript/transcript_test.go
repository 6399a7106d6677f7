package transcript

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LinjingBi/code-agent/agentloop"
)

var sampleTranscript = []agentloop.Message{
	{Role: agentloop.RoleSystem, Content: "You are a code agent."},
	{Role: agentloop.RoleUser, Content: "What is 6*7?"},
	{Role: agentloop.RoleAssistant, Content: "Thought: multiply\nCode: final_answer(6*7)"},
	{Role: agentloop.RoleSystem, Content: "Final Answer: 42"},
}

func TestFromResult(t *testing.T) {
	res := &agentloop.Result{
		RunID:       "run-1",
		Status:      agentloop.StatusDone,
		FinalAnswer: "42",
		Iterations:  1,
		Transcript:  sampleTranscript,
		Duration:    1500 * time.Millisecond,
	}
	r := FromResult("What is 6*7?", "m", res)
	assert.Equal(t, "done", r.Status)
	assert.Equal(t, int64(1500), r.DurationMs)
	assert.Equal(t, "42", r.FinalAnswer)
}

func TestFromError(t *testing.T) {
	lerr := &agentloop.LoopError{
		RunID:      "run-2",
		Phase:      agentloop.PhaseParse,
		Iteration:  2,
		Transcript: sampleTranscript[:2],
		Cause:      &agentloop.ParseError{Message: "missing section markers"},
	}
	r, ok := FromError("q", "m", lerr)
	require.True(t, ok)
	assert.Equal(t, StatusAborted, r.Status)
	assert.Equal(t, "parse", r.Phase)
	assert.Equal(t, 2, r.Iterations)
	assert.Contains(t, r.Error, "missing section markers")

	_, ok = FromError("q", "m", errors.New("plain"))
	assert.False(t, ok)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSaveGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := Record{
		RunID:       "run-1",
		Question:    "What is 6*7?",
		Model:       "m",
		Status:      "done",
		FinalAnswer: "42",
		Iterations:  1,
		Transcript:  sampleTranscript,
		DurationMs:  10,
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Transcript, got.Transcript)
	assert.Equal(t, rec.FinalAnswer, got.FinalAnswer)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	// Saving again replaces the record.
	rec.Status = StatusAborted
	rec.Phase = "completion"
	require.NoError(t, s.Save(ctx, rec))
	got, err = s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, got.Status)
	assert.Equal(t, "completion", got.Phase)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Save(ctx, Record{}))
}

func TestStoreList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, Record{
			RunID:      id,
			Question:   "q " + id,
			Status:     "exhausted",
			Transcript: sampleTranscript,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].RunID, "newest first")
	assert.Nil(t, all[0].Transcript, "list omits transcripts")

	two, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestStoreInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(context.Background(), Record{RunID: "x", Transcript: sampleTranscript, CreatedAt: time.Now()}))
	_, err = s.Get(context.Background(), "x")
	assert.NoError(t, err)
}

func TestRender(t *testing.T) {
	out := Render(sampleTranscript)

	assert.True(t, strings.HasPrefix(out, strings.Repeat("=", 80)+"\nCHAT HISTORY\n"))
	assert.Contains(t, out, "\n[ASSISTANT]\n-----------\nThought:\n  multiply\n\nCode:\n  final_answer(6*7)\n")
	assert.Contains(t, out, "\n[SYSTEM]\n--------\n  Final Answer: 42\n")
	assert.Equal(t, 4, strings.Count(out, strings.Repeat("-", 80)))
}
