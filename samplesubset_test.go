// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"math/rand"

	"gopkg.in/check.v1"
)

type subsetSuite struct{}

var _ = check.Suite(&subsetSuite{})

func (s *subsetSuite) TestSubsetPositions(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	for trial := 0; trial < 100; trial++ {
		rawCt := 1 + rnd.Intn(300)
		selected := rnd.Perm(rawCt)[:1+rnd.Intn(rawCt)]
		ss, err := NewSampleSubset(rawCt, selected)
		c.Assert(err, check.IsNil)
		c.Check(ss.Count(), check.Equals, len(selected))
		c.Check(ss.RawCount(), check.Equals, rawCt)
		// members resolve to the strictly ascending sequence 0..k-1
		for want, raw := range ss.Members() {
			got, ok := ss.SubsetPos(raw)
			c.Assert(ok, check.Equals, true)
			c.Assert(got, check.Equals, want)
		}
	}
}

func (s *subsetSuite) TestSubsetPosNotSelected(c *check.C) {
	ss, err := NewSampleSubset(10, []int{2, 5, 7})
	c.Assert(err, check.IsNil)
	for _, raw := range []int{-1, 0, 1, 3, 4, 6, 8, 9, 10, 100} {
		_, ok := ss.SubsetPos(raw)
		c.Check(ok, check.Equals, false)
	}
	pos, ok := ss.SubsetPos(5)
	c.Check(ok, check.Equals, true)
	c.Check(pos, check.Equals, 1)
}

func (s *subsetSuite) TestValidation(c *check.C) {
	_, err := NewSampleSubset(10, nil)
	c.Check(err, check.ErrorMatches, `sample selection is empty.*`)
	_, err = NewSampleSubset(10, []int{3, 10})
	c.Check(err, check.ErrorMatches, `sample index 10 out of range \(sample count: 10\)`)
	_, err = NewSampleSubset(10, []int{-1})
	c.Check(err, check.ErrorMatches, `sample index -1 out of range.*`)
	_, err = NewSampleSubset(10, []int{3, 5, 3})
	c.Check(err, check.ErrorMatches, `duplicate sample index 3 in selection`)
}

func (s *subsetSuite) TestSubsetCounts(c *check.C) {
	rnd := rand.New(rand.NewSource(2))
	sampleCt := 100
	codes := make([]uint8, sampleCt)
	for i := range codes {
		codes[i] = uint8(rnd.Intn(4))
	}
	ds := mkDataset(c, []VariantMeta{
		{Chrom: "1", Pos: 1, Ref: "A", Alt: "G"},
	}, nil, [][]uint8{codes})

	selected := rnd.Perm(sampleCt)[:37]
	ss, err := NewSampleSubset(sampleCt, selected)
	c.Assert(err, check.IsNil)

	var want GenotypeCounts
	for _, raw := range selected {
		switch codes[raw] {
		case genoHomRef:
			want.HomRef++
		case genoHet:
			want.Het++
		case genoHomAlt:
			want.HomAlt++
		case genoMissing:
			want.Missing++
		}
	}
	got, err := ds.Counts(ss, 0)
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, want)

	// Genotypes and Dosages agree with the raw codes in member order
	dst := make([]uint8, ss.Count())
	c.Assert(ds.Genotypes(ss, 0, dst), check.IsNil)
	dosages := make([]float64, ss.Count())
	c.Assert(ds.Dosages(ss, 0, dosages), check.IsNil)
	for pos, raw := range ss.Members() {
		c.Check(dst[pos], check.Equals, codes[raw])
		if codes[raw] == genoMissing {
			c.Check(dosages[pos], check.Equals, missingDosage)
		} else {
			c.Check(dosages[pos], check.Equals, float64(codes[raw]))
		}
	}
}

func (s *subsetSuite) TestParseSampleSelection(c *check.C) {
	ds := mkDataset(c, []VariantMeta{
		{Chrom: "1", Pos: 1, Ref: "A"},
	}, []SampleMeta{
		{ID: "s1"}, {ID: "s2"}, {ID: "s3"},
	}, [][]uint8{{0, 1, 2}})

	ss, err := parseSampleSelection(ds, "", "")
	c.Check(err, check.IsNil)
	c.Check(ss, check.IsNil)

	ss, err = parseSampleSelection(ds, "2,0", "")
	c.Assert(err, check.IsNil)
	c.Check(ss.Members(), check.DeepEquals, []int{0, 2})

	ss, err = parseSampleSelection(ds, "", "s3,s1")
	c.Assert(err, check.IsNil)
	c.Check(ss.Members(), check.DeepEquals, []int{0, 2})

	_, err = parseSampleSelection(ds, "1", "s1")
	c.Check(err, check.ErrorMatches, `-samples and -sample-ids are mutually exclusive`)
	_, err = parseSampleSelection(ds, "x", "")
	c.Check(err, check.ErrorMatches, `invalid sample index "x"`)
	_, err = parseSampleSelection(ds, "", "nope")
	c.Check(err, check.ErrorMatches, `sample "nope" not found in sample metadata`)
}
