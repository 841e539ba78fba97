// Package problem defines the problem and submission types shared by every
// leetbuddy context: the page observer, the background coordinator, the
// panel and the submission ledger.
package problem

import (
	"regexp"
	"strings"
)

// Difficulty is the site's difficulty rating for a problem.
type Difficulty string

const (
	DifficultyEasy    Difficulty = "Easy"
	DifficultyMedium  Difficulty = "Medium"
	DifficultyHard    Difficulty = "Hard"
	DifficultyUnknown Difficulty = "Unknown"
)

// ParseDifficulty maps a raw difficulty string onto a known rating.
// Anything unrecognized is DifficultyUnknown.
func ParseDifficulty(s string) Difficulty {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy":
		return DifficultyEasy
	case "medium":
		return DifficultyMedium
	case "hard":
		return DifficultyHard
	default:
		return DifficultyUnknown
	}
}

// Known reports whether d is one of Easy, Medium or Hard.
func (d Difficulty) Known() bool {
	return d == DifficultyEasy || d == DifficultyMedium || d == DifficultyHard
}

// UnknownTag is the single tag assigned to fallback metadata.
const UnknownTag = "Unknown"

// Metadata identifies a problem.
type Metadata struct {
	Slug       string     `json:"slug"`
	Title      string     `json:"title"`
	Difficulty Difficulty `json:"difficulty"`
	Tags       []string   `json:"tags"`
}

// Clone returns a copy of m that shares no slices with it.
func (m Metadata) Clone() Metadata {
	c := m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	return c
}

// Fallback builds metadata for slug when the remote lookup is unavailable.
// The title comes from the page title when it has one.
func Fallback(slug, pageTitle string) Metadata {
	title := CleanTitle(pageTitle)
	if title == "" {
		title = slug
	}
	return Metadata{
		Slug:       slug,
		Title:      title,
		Difficulty: DifficultyUnknown,
		Tags:       []string{UnknownTag},
	}
}

// CurrentKey is the store key holding the active Current problem.
const CurrentKey = "currentProblem"

// Current is the working view of the active problem. StartAt is the epoch-ms
// timestamp at which the user began working the problem in this session.
type Current struct {
	Metadata
	StartAt int64 `json:"startAt,omitempty"`
}

// Clone returns a deep copy of c.
func (c *Current) Clone() *Current {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata = c.Metadata.Clone()
	return &out
}

// Source records how an attempt was captured.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// Record is one saved attempt at a problem. Problem is a snapshot taken at
// save time; it is never rewritten afterwards.
type Record struct {
	SubmissionID string   `json:"submissionId"`
	At           int64    `json:"at"`
	ElapsedSec   int64    `json:"elapsedSec"`
	Source       Source   `json:"source,omitempty"`
	Problem      Metadata `json:"problem"`

	// Status is only present on records written by the single-record
	// storage layout.
	Status string `json:"status,omitempty"`
}

var (
	problemPathRe    = regexp.MustCompile(`/problems/([^/]+)`)
	submissionPathRe = regexp.MustCompile(`/submissions/(\d+)`)
	siteTitleRe      = regexp.MustCompile(`(?i)\s+-\s+LeetCode\s*$`)
	csrfCookieRe     = regexp.MustCompile(`csrftoken=([^;]+)`)
)

// PathInfo is what the URL path says about the page.
type PathInfo struct {
	Slug         string
	SubmissionID string
}

// ParsePath extracts the problem slug and submission id from a URL path.
// Either may be empty.
func ParsePath(path string) PathInfo {
	var info PathInfo
	if m := problemPathRe.FindStringSubmatch(path); m != nil {
		info.Slug = m[1]
	}
	if m := submissionPathRe.FindStringSubmatch(path); m != nil {
		info.SubmissionID = m[1]
	}
	return info
}

// CleanTitle strips the site suffix from a document title.
func CleanTitle(docTitle string) string {
	return strings.TrimSpace(siteTitleRe.ReplaceAllString(docTitle, ""))
}

// CSRFToken returns the csrftoken value from a cookie header, or "".
func CSRFToken(cookie string) string {
	if m := csrfCookieRe.FindStringSubmatch(cookie); m != nil {
		return m[1]
	}
	return ""
}

// Status is the pass/fail reading of the submission result element.
type Status string

const (
	StatusAccepted Status = "Accepted"
	StatusFailed   Status = "Failed"
)

// ParseStatus reads the text of the submission result element. Empty text is
// no reading at all.
func ParseStatus(text string) (Status, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return "", false
	}
	if strings.Contains(t, "accepted") {
		return StatusAccepted, true
	}
	return StatusFailed, true
}
