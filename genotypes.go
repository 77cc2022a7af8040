// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"fmt"
	"math/bits"
)

// Genotype codes, two bits per sample.
const (
	genoHomRef  = 0
	genoHet     = 1
	genoHomAlt  = 2
	genoMissing = 3
)

// missingDosage is the sentinel used by Dosages for missing calls, so
// that 0.0 remains a valid dosage.
const missingDosage = -9.0

// samplesPerWord is the number of 2-bit genotype lanes in a uint64.
const samplesPerWord = 32

// laneMask has the low bit of every 2-bit lane set.
const laneMask = 0x5555555555555555

// GenotypeCounts holds the genotype class counts for one variant across
// a sample population.
type GenotypeCounts struct {
	HomRef  uint32
	Het     uint32
	HomAlt  uint32
	Missing uint32
}

// GenotypeSource is the contract between the statistical kernels and
// whatever engine decodes the genotype matrix. All calls are per-variant
// and synchronous. A nil subset means "all samples"; with a subset,
// results cover the selected samples in ascending raw-index order.
type GenotypeSource interface {
	// Counts returns the genotype class counts for one variant.
	Counts(subset *SampleSubset, vidx int) (GenotypeCounts, error)
	// Genotypes fills dst (len = effective sample count) with 2-bit
	// genotype codes.
	Genotypes(subset *SampleSubset, vidx int, dst []uint8) error
	// Missingness fills dst with a bitmap over the effective samples,
	// one set bit per missing call.
	Missingness(subset *SampleSubset, vidx int, dst []uint64) error
	// Dosages fills dst with per-sample alt-allele dosages, using
	// missingDosage for missing calls.
	Dosages(subset *SampleSubset, vidx int, dst []float64) error
}

var _ GenotypeSource = (*Dataset)(nil)

// genoWordCt returns the packed word count for sampleCt samples.
func genoWordCt(sampleCt int) int {
	return (sampleCt + samplesPerWord - 1) / samplesPerWord
}

// bitWordCt returns the bitmap word count for sampleCt samples.
func bitWordCt(sampleCt int) int {
	return (sampleCt + 63) / 64
}

// packGenovec packs per-sample genotype codes into 2-bit lanes.
func packGenovec(codes []uint8) []uint64 {
	words := make([]uint64, genoWordCt(len(codes)))
	for i, c := range codes {
		words[i/samplesPerWord] |= uint64(c&3) << (2 * uint(i%samplesPerWord))
	}
	return words
}

// fullLaneMask builds the interleaved mask selecting all sampleCt lanes,
// the same shape SampleSubset builds for a proper subset.
func fullLaneMask(sampleCt int) []uint64 {
	mask := make([]uint64, genoWordCt(sampleCt))
	for i := 0; i < sampleCt; i++ {
		mask[i/samplesPerWord] |= 1 << (2 * uint(i%samplesPerWord))
	}
	return mask
}

// countGenovec computes genotype class counts from packed genotypes,
// restricted to the lanes selected by the interleaved mask. One popcount
// per class per word; no per-sample loop.
func countGenovec(genovec, interleaved []uint64) GenotypeCounts {
	var counts GenotypeCounts
	var included int
	for w, word := range genovec {
		m := interleaved[w]
		lo := word & laneMask & m
		hi := (word >> 1) & laneMask & m
		het := bits.OnesCount64(lo &^ hi)
		homAlt := bits.OnesCount64(hi &^ lo)
		missing := bits.OnesCount64(hi & lo)
		counts.Het += uint32(het)
		counts.HomAlt += uint32(homAlt)
		counts.Missing += uint32(missing)
		included += bits.OnesCount64(m)
	}
	counts.HomRef = uint32(included) - counts.Het - counts.HomAlt - counts.Missing
	return counts
}

func (ds *Dataset) genovec(vidx int) ([]uint64, error) {
	if vidx < 0 || vidx >= ds.VariantCt {
		return nil, fmt.Errorf("variant index %d out of range (variant count: %d)", vidx, ds.VariantCt)
	}
	return ds.GenoWords[vidx*ds.stride : (vidx+1)*ds.stride], nil
}

// Counts implements GenotypeSource using the vectorized popcount path.
func (ds *Dataset) Counts(subset *SampleSubset, vidx int) (GenotypeCounts, error) {
	genovec, err := ds.genovec(vidx)
	if err != nil {
		return GenotypeCounts{}, err
	}
	mask := ds.fullMask
	if subset != nil {
		mask = subset.interleaved
	}
	return countGenovec(genovec, mask), nil
}

// Genotypes implements GenotypeSource.
func (ds *Dataset) Genotypes(subset *SampleSubset, vidx int, dst []uint8) error {
	genovec, err := ds.genovec(vidx)
	if err != nil {
		return err
	}
	if subset == nil {
		if len(dst) != ds.SampleCt {
			return fmt.Errorf("genotype buffer has %d entries, want %d", len(dst), ds.SampleCt)
		}
		for i := range dst {
			dst[i] = uint8(genovec[i/samplesPerWord]>>(2*uint(i%samplesPerWord))) & 3
		}
		return nil
	}
	if len(dst) != subset.Count() {
		return fmt.Errorf("genotype buffer has %d entries, want %d", len(dst), subset.Count())
	}
	out := 0
	for w, word := range subset.include {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &= word - 1
			raw := w*64 + b
			dst[out] = uint8(genovec[raw/samplesPerWord]>>(2*uint(raw%samplesPerWord))) & 3
			out++
		}
	}
	return nil
}

// Missingness implements GenotypeSource.
func (ds *Dataset) Missingness(subset *SampleSubset, vidx int, dst []uint64) error {
	genovec, err := ds.genovec(vidx)
	if err != nil {
		return err
	}
	effCt := ds.SampleCt
	if subset != nil {
		effCt = subset.Count()
	}
	if len(dst) != bitWordCt(effCt) {
		return fmt.Errorf("missingness buffer has %d words, want %d", len(dst), bitWordCt(effCt))
	}
	for i := range dst {
		dst[i] = 0
	}
	if subset == nil {
		for i := 0; i < effCt; i++ {
			if uint8(genovec[i/samplesPerWord]>>(2*uint(i%samplesPerWord)))&3 == genoMissing {
				dst[i/64] |= 1 << uint(i%64)
			}
		}
		return nil
	}
	out := 0
	for w, word := range subset.include {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &= word - 1
			raw := w*64 + b
			if uint8(genovec[raw/samplesPerWord]>>(2*uint(raw%samplesPerWord)))&3 == genoMissing {
				dst[out/64] |= 1 << uint(out%64)
			}
			out++
		}
	}
	return nil
}

var dosageByCode = [4]float64{0, 1, 2, missingDosage}

// Dosages implements GenotypeSource. Dosages here are derived from
// hardcalls; the contract admits fractional dosages from imputed data.
func (ds *Dataset) Dosages(subset *SampleSubset, vidx int, dst []float64) error {
	genovec, err := ds.genovec(vidx)
	if err != nil {
		return err
	}
	if subset == nil {
		if len(dst) != ds.SampleCt {
			return fmt.Errorf("dosage buffer has %d entries, want %d", len(dst), ds.SampleCt)
		}
		for i := range dst {
			dst[i] = dosageByCode[genovec[i/samplesPerWord]>>(2*uint(i%samplesPerWord))&3]
		}
		return nil
	}
	if len(dst) != subset.Count() {
		return fmt.Errorf("dosage buffer has %d entries, want %d", len(dst), subset.Count())
	}
	out := 0
	for w, word := range subset.include {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &= word - 1
			raw := w*64 + b
			dst[out] = dosageByCode[genovec[raw/samplesPerWord]>>(2*uint(raw%samplesPerWord))&3]
			out++
		}
	}
	return nil
}
