package grading

import (
	"math"
	"sort"
	"strconv"

	"github.com/JakeFAU/gradepop-crawler/internal/authority"
)

// Stats summarizes a grade distribution.
type Stats struct {
	TotalGraded int `json:"total_graded"`
	// GradeDistribution maps a grade label such as "9.5" to its count.
	GradeDistribution map[string]int `json:"grade_distribution"`
	AverageGrade      float64        `json:"average_grade"`
	HighestGrade      float64        `json:"highest_grade"`
	LowestGrade       float64        `json:"lowest_grade"`
}

// GradeLabel formats a numeric grade as a distribution key.
func GradeLabel(grade float64) string {
	return strconv.FormatFloat(grade, 'f', -1, 64)
}

// StatsFromPopulation converts one authority's parsed population.
func StatsFromPopulation(pop authority.Population) Stats {
	dist := make(map[string]int, len(pop.Grades))
	for grade, count := range pop.Grades {
		if count > 0 {
			dist[GradeLabel(grade)] += count
		}
	}
	s := Stats{TotalGraded: pop.TotalGraded, GradeDistribution: dist}
	s.summarize()
	return s
}

// Merge sums totals and per-grade counts, then recomputes the average,
// highest, and lowest grade over the combined distribution.
func Merge(all ...Stats) Stats {
	out := Stats{GradeDistribution: make(map[string]int)}
	for _, s := range all {
		out.TotalGraded += s.TotalGraded
		for label, count := range s.GradeDistribution {
			out.GradeDistribution[label] += count
		}
	}
	out.summarize()
	return out
}

// Grades returns the grades with a positive count, ascending.
func (s Stats) Grades() []float64 {
	out := make([]float64, 0, len(s.GradeDistribution))
	for label, count := range s.GradeDistribution {
		if count <= 0 {
			continue
		}
		if g, err := strconv.ParseFloat(label, 64); err == nil {
			out = append(out, g)
		}
	}
	sort.Float64s(out)
	return out
}

// summarize fills the average, highest, and lowest grade. Buckets with a zero
// count never contribute.
func (s *Stats) summarize() {
	s.AverageGrade, s.HighestGrade, s.LowestGrade = 0, 0, 0
	weighted, n := 0.0, 0
	for label, count := range s.GradeDistribution {
		if count <= 0 {
			continue
		}
		g, err := strconv.ParseFloat(label, 64)
		if err != nil {
			continue
		}
		weighted += g * float64(count)
		n += count
	}
	if n == 0 {
		return
	}
	grades := s.Grades()
	s.AverageGrade = math.Round(weighted/float64(n)*1000) / 1000
	s.LowestGrade = grades[0]
	s.HighestGrade = grades[len(grades)-1]
}
