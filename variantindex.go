// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"fmt"
	"strconv"
	"strings"
)

// VariantRange is a half-open index interval into the variant metadata.
// An empty match has Start == End.
type VariantRange struct {
	Start int
	End   int
}

func (r VariantRange) Len() int { return r.End - r.Start }

// parseRegion validates and splits a "chrom:start-end" filter before
// any scan begins. Coordinates are inclusive on both ends.
func parseRegion(region string) (chrom string, start, end int32, err error) {
	colon := strings.Index(region, ":")
	if colon <= 0 {
		return "", 0, 0, fmt.Errorf("invalid region %q (expected \"chrom:start-end\")", region)
	}
	chrom = region[:colon]
	dash := strings.Index(region[colon+1:], "-")
	if dash < 0 {
		return "", 0, 0, fmt.Errorf("invalid region %q (expected \"chrom:start-end\")", region)
	}
	startStr := region[colon+1 : colon+1+dash]
	endStr := region[colon+1+dash+1:]
	start64, err := strconv.ParseInt(startStr, 10, 32)
	if err != nil || start64 < 0 {
		return "", 0, 0, fmt.Errorf("invalid region start position in %q", region)
	}
	end64, err := strconv.ParseInt(endStr, 10, 32)
	if err != nil || end64 < 0 {
		return "", 0, 0, fmt.Errorf("invalid region end position in %q", region)
	}
	if start64 > end64 {
		return "", 0, 0, fmt.Errorf("invalid region %q: start exceeds end", region)
	}
	return chrom, int32(start64), int32(end64), nil
}

// resolveRegion scans the (chrom, pos)-sorted metadata once and returns
// the index range matching the filter. The scan short-circuits: once a
// match block has started, the first record that no longer matches
// (chromosome changed, or position past end) stops it. With zero
// matches the returned range is empty with Start == End == the index
// where scanning stopped.
func resolveRegion(variants []VariantMeta, chrom string, start, end int32) VariantRange {
	matched := false
	rng := VariantRange{}
	i := 0
	for ; i < len(variants); i++ {
		v := variants[i]
		if v.Chrom == chrom && v.Pos >= start && v.Pos <= end {
			if !matched {
				rng.Start = i
				matched = true
			}
			rng.End = i + 1
			continue
		}
		if matched {
			break
		}
	}
	if !matched {
		rng.Start = i
		rng.End = i
	}
	return rng
}

// lookupVariantID resolves a variant ID to its index. The map is built
// lazily on the first ID lookup of a query; the bind phase is
// single-threaded, so no locking is needed. First match wins when
// metadata carries duplicate IDs.
func (ds *Dataset) lookupVariantID(id string) (int, bool) {
	if ds.idIndex == nil {
		ds.idIndex = make(map[string]int, len(ds.Variants))
		for i, v := range ds.Variants {
			if v.ID == "" {
				continue
			}
			if _, dup := ds.idIndex[v.ID]; !dup {
				ds.idIndex[v.ID] = i
			}
		}
	}
	idx, ok := ds.idIndex[id]
	return idx, ok
}
