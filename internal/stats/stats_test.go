package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leetbuddy/internal/problem"
)

func rec(elapsed int64, d problem.Difficulty, tags ...string) problem.Record {
	return problem.Record{
		SubmissionID: "x",
		ElapsedSec:   elapsed,
		Problem:      problem.Metadata{Slug: "s", Difficulty: d, Tags: tags},
	}
}

func TestComputeTopicStats(t *testing.T) {
	got := ComputeTopicStats([]problem.Record{
		rec(100, problem.DifficultyEasy, "Array", "Hash Table"),
		rec(201, problem.DifficultyMedium, "Array"),
		rec(50, problem.DifficultyUnknown, "Array"),
	})

	require.Len(t, got, 2)
	arr := got["Array"]
	assert.Equal(t, 3, arr.TotalProblems)
	assert.Equal(t, int64(351), arr.TotalTime)
	assert.Equal(t, int64(117), arr.AvgTime)
	assert.Equal(t, Difficulties{Easy: 1, Medium: 1}, arr.Difficulties)

	ht := got["Hash Table"]
	assert.Equal(t, 1, ht.TotalProblems)
	assert.Equal(t, int64(100), ht.AvgTime)
}

func TestAverageRoundsHalfUp(t *testing.T) {
	got := ComputeTopicStats([]problem.Record{
		rec(1, problem.DifficultyHard, "Graph"),
		rec(2, problem.DifficultyHard, "Graph"),
	})
	assert.Equal(t, int64(2), got["Graph"].AvgTime)
	assert.Equal(t, 2, got["Graph"].Difficulties.Hard)
}

func TestEmpty(t *testing.T) {
	assert.Empty(t, ComputeTopicStats(nil))
	assert.Empty(t, ComputeTopicStats([]problem.Record{rec(10, problem.DifficultyEasy)}))
}

func TestFromHistoriesSorted(t *testing.T) {
	got := Sorted(FromHistories(map[string][]problem.Record{
		"a": {rec(10, problem.DifficultyEasy, "Tree"), rec(20, problem.DifficultyEasy, "Tree")},
		"b": {rec(30, problem.DifficultyEasy, "Array")},
		"c": {rec(30, problem.DifficultyEasy, "Heap")},
	}))
	require.Len(t, got, 3)
	assert.Equal(t, "Tree", got[0].Topic)
	assert.Equal(t, "Array", got[1].Topic)
	assert.Equal(t, "Heap", got[2].Topic)
}
