package problem

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want PathInfo
	}{
		{"/problems/two-sum/", PathInfo{Slug: "two-sum"}},
		{"/problems/two-sum/description/", PathInfo{Slug: "two-sum"}},
		{"/problems/two-sum/submissions/123456/", PathInfo{Slug: "two-sum", SubmissionID: "123456"}},
		{"/problemset/all/", PathInfo{}},
		{"/", PathInfo{}},
		{"/submissions/detail/abc/", PathInfo{}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePath(tt.path))
		})
	}
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Two Sum", CleanTitle("Two Sum - LeetCode"))
	assert.Equal(t, "Two Sum", CleanTitle("  Two Sum   -   leetcode "))
	assert.Equal(t, "LeetCode", CleanTitle("LeetCode"))
	assert.Equal(t, "", CleanTitle(""))
}

func TestFallback(t *testing.T) {
	m := Fallback("two-sum", "Two Sum - LeetCode")
	assert.Equal(t, "Two Sum", m.Title)
	assert.Equal(t, DifficultyUnknown, m.Difficulty)
	assert.Equal(t, []string{UnknownTag}, m.Tags)

	m = Fallback("two-sum", "")
	assert.Equal(t, "two-sum", m.Title)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus(" Accepted ")
	assert.True(t, ok)
	assert.Equal(t, StatusAccepted, s)

	s, ok = ParseStatus("Wrong Answer")
	assert.True(t, ok)
	assert.Equal(t, StatusFailed, s)

	_, ok = ParseStatus("   ")
	assert.False(t, ok)
}

func TestCSRFToken(t *testing.T) {
	assert.Equal(t, "abc123", CSRFToken("LEETCODE_SESSION=x; csrftoken=abc123; other=1"))
	assert.Equal(t, "", CSRFToken("LEETCODE_SESSION=x"))
}

func TestParseDifficulty(t *testing.T) {
	assert.Equal(t, DifficultyEasy, ParseDifficulty("easy"))
	assert.Equal(t, DifficultyHard, ParseDifficulty("Hard"))
	assert.Equal(t, DifficultyUnknown, ParseDifficulty("impossible"))
	assert.False(t, DifficultyUnknown.Known())
	assert.True(t, DifficultyMedium.Known())
}

func TestCurrentJSONIsFlat(t *testing.T) {
	c := Current{
		Metadata: Metadata{Slug: "two-sum", Title: "Two Sum", Difficulty: DifficultyEasy, Tags: []string{"Array"}},
		StartAt:  1000,
	}
	data, err := json.Marshal(c)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "two-sum", raw["slug"])
	assert.Equal(t, float64(1000), raw["startAt"])
}

func TestCloneDoesNotShareTags(t *testing.T) {
	c := &Current{Metadata: Metadata{Slug: "a", Tags: []string{"x"}}}
	d := c.Clone()
	d.Tags[0] = "y"
	assert.Equal(t, "x", c.Tags[0])
	assert.Nil(t, (*Current)(nil).Clone())
}
