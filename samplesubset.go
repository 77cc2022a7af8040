// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

// SampleSubset is an immutable index over a selection of samples,
// built once per query. It carries three views of the same selection:
// an inclusion bitmask over the raw sample space, an interleaved 2-bit
// lane mask for vectorized genotype counting, and per-word cumulative
// popcounts so any raw position translates to its subset position in
// O(1). Members are always kept in ascending raw order, which is also
// the order the genotype source returns subset results in.
type SampleSubset struct {
	rawCt       int
	members     []int
	include     []uint64
	interleaved []uint64
	cumPop      []uint32
}

// NewSampleSubset validates and indexes a selection of 0-based raw
// sample positions. The selection must be non-empty, in range, and free
// of duplicates.
func NewSampleSubset(rawCt int, selected []int) (*SampleSubset, error) {
	if len(selected) == 0 {
		return nil, fmt.Errorf("sample selection is empty: a subset must select at least one sample")
	}
	members := make([]int, len(selected))
	copy(members, selected)
	sort.Ints(members)
	for i, idx := range members {
		if idx < 0 || idx >= rawCt {
			return nil, fmt.Errorf("sample index %d out of range (sample count: %d)", idx, rawCt)
		}
		if i > 0 && members[i-1] == idx {
			return nil, fmt.Errorf("duplicate sample index %d in selection", idx)
		}
	}
	ss := &SampleSubset{
		rawCt:       rawCt,
		members:     members,
		include:     make([]uint64, bitWordCt(rawCt)),
		interleaved: make([]uint64, genoWordCt(rawCt)),
	}
	for _, idx := range members {
		ss.include[idx/64] |= 1 << uint(idx%64)
		ss.interleaved[idx/samplesPerWord] |= 1 << (2 * uint(idx%samplesPerWord))
	}
	ss.cumPop = make([]uint32, len(ss.include))
	var running uint32
	for w, word := range ss.include {
		ss.cumPop[w] = running
		running += uint32(bits.OnesCount64(word))
	}
	return ss, nil
}

// Count returns the number of selected samples.
func (ss *SampleSubset) Count() int { return len(ss.members) }

// RawCount returns the size of the unfiltered sample space.
func (ss *SampleSubset) RawCount() int { return ss.rawCt }

// Members returns the selected raw positions in ascending order. The
// returned slice is shared and must not be modified.
func (ss *SampleSubset) Members() []int { return ss.members }

// SubsetPos translates a raw sample position to its 0-based position
// within the subset, or reports that the sample is not selected.
func (ss *SampleSubset) SubsetPos(raw int) (int, bool) {
	if raw < 0 || raw >= ss.rawCt {
		return 0, false
	}
	w, b := raw/64, uint(raw%64)
	if ss.include[w]&(1<<b) == 0 {
		return 0, false
	}
	return int(ss.cumPop[w]) + bits.OnesCount64(ss.include[w]&(1<<b-1)), true
}

// parseSampleSelection turns the -samples / -sample-ids flags into a
// SampleSubset, or nil when neither flag was given.
func parseSampleSelection(ds *Dataset, positions, ids string) (*SampleSubset, error) {
	if positions != "" && ids != "" {
		return nil, fmt.Errorf("-samples and -sample-ids are mutually exclusive")
	}
	switch {
	case positions != "":
		var selected []int
		for _, field := range strings.Split(positions, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return nil, fmt.Errorf("invalid sample index %q", field)
			}
			selected = append(selected, idx)
		}
		return NewSampleSubset(ds.SampleCt, selected)
	case ids != "":
		if len(ds.Samples) == 0 {
			return nil, fmt.Errorf("-sample-ids requires sample metadata (dataset has none); use -samples with positions instead")
		}
		var selected []int
		for _, field := range strings.Split(ids, ",") {
			id := strings.TrimSpace(field)
			idx, ok := ds.lookupSampleID(id)
			if !ok {
				return nil, fmt.Errorf("sample %q not found in sample metadata", id)
			}
			selected = append(selected, idx)
		}
		return NewSampleSubset(ds.SampleCt, selected)
	default:
		return nil, nil
	}
}
