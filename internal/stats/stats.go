// Package stats summarizes saved attempts by topic.
package stats

import (
	"sort"

	"leetbuddy/internal/problem"
)

// Difficulties counts attempts per known difficulty.
type Difficulties struct {
	Easy   int `json:"Easy"`
	Medium int `json:"Medium"`
	Hard   int `json:"Hard"`
}

// TopicStats aggregates every attempt tagged with Topic. Times are seconds.
type TopicStats struct {
	Topic         string       `json:"topic"`
	TotalProblems int          `json:"totalProblems"`
	TotalTime     int64        `json:"totalTime"`
	AvgTime       int64        `json:"avgTime"`
	Difficulties  Difficulties `json:"difficulties"`
}

// ComputeTopicStats counts each record once under every tag of its problem
// snapshot. AvgTime is rounded to the nearest second.
func ComputeTopicStats(records []problem.Record) map[string]TopicStats {
	out := make(map[string]TopicStats)
	for _, rec := range records {
		elapsed := max(0, rec.ElapsedSec)
		for _, topic := range rec.Problem.Tags {
			s := out[topic]
			s.Topic = topic
			s.TotalProblems++
			s.TotalTime += elapsed
			switch rec.Problem.Difficulty {
			case problem.DifficultyEasy:
				s.Difficulties.Easy++
			case problem.DifficultyMedium:
				s.Difficulties.Medium++
			case problem.DifficultyHard:
				s.Difficulties.Hard++
			}
			out[topic] = s
		}
	}
	for topic, s := range out {
		n := int64(s.TotalProblems)
		s.AvgTime = (2*s.TotalTime + n) / (2 * n)
		out[topic] = s
	}
	return out
}

// FromHistories flattens per-slug histories and computes topic stats.
func FromHistories(histories map[string][]problem.Record) map[string]TopicStats {
	var all []problem.Record
	for _, h := range histories {
		all = append(all, h...)
	}
	return ComputeTopicStats(all)
}

// Sorted returns stats ordered by attempt count, then topic name.
func Sorted(m map[string]TopicStats) []TopicStats {
	out := make([]TopicStats, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalProblems != out[j].TotalProblems {
			return out[i].TotalProblems > out[j].TotalProblems
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}
