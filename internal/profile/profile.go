// Package profile computes summary statistics over a table's bounded sample
// rows. The results are rendered into generation prompts as context; they
// never participate in node identity.
package profile

import (
	"math"
	"sort"
	"strconv"

	"github.com/aleenprd/docbt/internal/schema"
)

// uniqueCountCap caps the reported distinct count for text columns; beyond
// it the count is reported as "100+".
const uniqueCountCap = 100

// ColumnInfo summarizes one column's sampled values.
type ColumnInfo struct {
	Name         string
	Type         schema.SemanticType
	NonNullCount int
	NullCount    int
	// UniqueValues is a rendered count: numeric columns report the exact
	// number, text columns cap at "100+".
	UniqueValues string
}

// NumberStats holds descriptive statistics for a numeric column.
type NumberStats struct {
	Name  string
	Count int
	Mean  float64
	Std   float64
	Min   float64
	P25   float64
	P50   float64
	P75   float64
	Max   float64
}

// TextStats holds frequency statistics for a text column.
type TextStats struct {
	Name         string
	UniqueValues int
	MostFrequent string
	Frequency    int
}

// Columns produces per-column null/distinct counts for every column in the
// table, in ordinal order.
func Columns(t *schema.Table) []ColumnInfo {
	infos := make([]ColumnInfo, 0, len(t.Columns))

	for i, col := range t.Columns {
		info := ColumnInfo{Name: col.Name, Type: col.Type}
		seen := make(map[string]bool)

		for _, row := range t.SampleRows {
			v := row[i]
			if v.Null {
				info.NullCount++
				continue
			}

			info.NonNullCount++
			seen[v.Raw] = true
		}

		if isNumeric(col.Type) || len(seen) < uniqueCountCap {
			info.UniqueValues = strconv.Itoa(len(seen))
		} else {
			info.UniqueValues = strconv.Itoa(uniqueCountCap) + "+"
		}

		infos = append(infos, info)
	}

	return infos
}

// Numbers produces descriptive statistics for each numeric column that has
// at least one parseable non-null sample. Columns appear in ordinal order.
func Numbers(t *schema.Table) []NumberStats {
	var stats []NumberStats

	for i, col := range t.Columns {
		if !isNumeric(col.Type) {
			continue
		}

		var values []float64

		for _, row := range t.SampleRows {
			v := row[i]
			if v.Null {
				continue
			}

			f, err := strconv.ParseFloat(v.Raw, 64)
			if err != nil {
				continue
			}

			values = append(values, f)
		}

		if len(values) == 0 {
			continue
		}

		sort.Float64s(values)

		stats = append(stats, NumberStats{
			Name:  col.Name,
			Count: len(values),
			Mean:  mean(values),
			Std:   sampleStd(values),
			Min:   values[0],
			P25:   percentile(values, 0.25),
			P50:   percentile(values, 0.50),
			P75:   percentile(values, 0.75),
			Max:   values[len(values)-1],
		})
	}

	return stats
}

// Texts produces frequency statistics for each string column with at least
// one non-null sample. Columns appear in ordinal order.
func Texts(t *schema.Table) []TextStats {
	var stats []TextStats

	for i, col := range t.Columns {
		if col.Type != schema.TypeString {
			continue
		}

		counts := make(map[string]int)

		var order []string

		for _, row := range t.SampleRows {
			v := row[i]
			if v.Null {
				continue
			}

			if counts[v.Raw] == 0 {
				order = append(order, v.Raw)
			}

			counts[v.Raw]++
		}

		if len(counts) == 0 {
			continue
		}

		// Ties resolve to the earliest-seen value so the output is stable.
		best := order[0]
		for _, val := range order {
			if counts[val] > counts[best] {
				best = val
			}
		}

		stats = append(stats, TextStats{
			Name:         col.Name,
			UniqueValues: len(counts),
			MostFrequent: best,
			Frequency:    counts[best],
		})
	}

	return stats
}

func isNumeric(t schema.SemanticType) bool {
	return t == schema.TypeInteger || t == schema.TypeFloat
}

func mean(sorted []float64) float64 {
	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return sum / float64(len(sorted))
}

// sampleStd is the n-1 standard deviation; 0 for a single sample.
func sampleStd(sorted []float64) float64 {
	if len(sorted) < 2 {
		return 0
	}

	m := mean(sorted)

	var sum float64

	for _, v := range sorted {
		d := v - m
		sum += d * d
	}

	return math.Sqrt(sum / float64(len(sorted)-1))
}

// percentile uses linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))

	if lo == hi {
		return sorted[lo]
	}

	frac := rank - float64(lo)

	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
