package model

import (
	"gonum.org/v1/gonum/stat"
)

const minStd = 1e-8

// Normalizer standardizes model inputs column by column.
type Normalizer struct {
	Mean []float64
	Std  []float64
}

func NewNormalizer(size int) *Normalizer {
	n := &Normalizer{
		Mean: make([]float64, size),
		Std:  make([]float64, size),
	}
	for i := range n.Std {
		n.Std[i] = 1
	}
	return n
}

// Update recomputes the statistics from rows. Columns with (near) zero
// spread keep a unit scale.
func (n *Normalizer) Update(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	col := make([]float64, len(rows))
	for j := range n.Mean {
		for i, row := range rows {
			col[i] = row[j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if len(rows) < 2 || !(std > minStd) {
			std = 1
		}
		n.Mean[j] = mean
		n.Std[j] = std
	}
}

// Apply writes the normalized x into dst and returns it.
func (n *Normalizer) Apply(dst, x []float64) []float64 {
	for j := range x {
		dst[j] = (x[j] - n.Mean[j]) / n.Std[j]
	}
	return dst
}
