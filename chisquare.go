// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1, Src: rand.NewSource(rand.Uint64())}

// hweChiSqP is the 1-df chi-squared approximation to the
// Hardy-Weinberg exact test: compare observed genotype class counts
// against the counts expected from the observed allele frequencies.
// A monomorphic site yields p = 1.
func hweChiSqP(homRef, het, homAlt int64) float64 {
	refCopies := 2*homRef + het
	altCopies := 2*homAlt + het
	if refCopies == 0 || altCopies == 0 {
		return 1
	}
	n := float64(homRef + het + homAlt)
	p := float64(refCopies) / float64(refCopies+altCopies)
	q := 1 - p
	exp := [3]float64{p * p * n, 2 * p * q * n, q * q * n}
	obs := [3]float64{float64(homRef), float64(het), float64(homAlt)}
	var sum float64
	for i := range exp {
		d := obs[i] - exp[i]
		sum += d * d / exp[i]
	}
	return 1 - chisquared.CDF(sum)
}
