// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"bytes"

	"gopkg.in/check.v1"
)

type freqSuite struct{}

var _ = check.Suite(&freqSuite{})

func (s *freqSuite) TestRunCommand(c *check.C) {
	// counts (8 hom-ref, 1 het, 1 hom-alt): alt_freq = 3/20 = 0.15
	ds := mkDataset(c, []VariantMeta{
		{Chrom: "1", Pos: 100, ID: "v1", Ref: "A", Alt: "G"},
		{Chrom: "1", Pos: 200, ID: "v2", Ref: "C", Alt: "T"},
	}, nil, [][]uint8{
		{0, 0, 0, 0, 0, 0, 0, 0, 1, 2},
		{3, 3, 3, 3, 3, 3, 3, 3, 3, 3},
	})
	var input bytes.Buffer
	c.Assert(WriteDataset(&input, ds), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := (&freqcmd{}).RunCommand("varstats freq", []string{"-threads=2", "-counts"}, &input, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	header, rows := parseTSV(c, stdout.String())
	c.Check(header, check.DeepEquals, []string{"CHROM", "POS", "ID", "REF", "ALT", "ALT_FREQ", "OBS_CT", "HOM_REF_CT", "HET_CT", "HOM_ALT_CT", "MISSING_CT"})
	c.Assert(rows, check.HasLen, 2)

	byID := map[string][]string{}
	for _, row := range rows {
		byID[row[2]] = row
	}
	row := byID["v1"]
	c.Assert(row, check.NotNil)
	c.Check(row[5], check.Equals, "0.15")
	c.Check(row[6], check.Equals, "20")
	c.Check(row[7:11], check.DeepEquals, []string{"8", "1", "1", "0"})

	// zero observations: frequency is null, not zero
	row = byID["v2"]
	c.Assert(row, check.NotNil)
	c.Check(row[5], check.Equals, "NA")
	c.Check(row[6], check.Equals, "0")
	c.Check(row[10], check.Equals, "10")
}

func (s *freqSuite) TestRegionAndSubset(c *check.C) {
	ds := mkDataset(c, []VariantMeta{
		{Chrom: "1", Pos: 100, ID: "v1", Ref: "A", Alt: "G"},
		{Chrom: "1", Pos: 200, ID: "v2", Ref: "C", Alt: "T"},
		{Chrom: "2", Pos: 50, ID: "v3", Ref: "G", Alt: "A"},
	}, nil, [][]uint8{
		{0, 1, 2, 0},
		{2, 2, 0, 1},
		{0, 0, 0, 0},
	})
	var input bytes.Buffer
	c.Assert(WriteDataset(&input, ds), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := (&freqcmd{}).RunCommand("varstats freq", []string{"-region=1:150-250", "-samples=0,1"}, &input, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	_, rows := parseTSV(c, stdout.String())
	c.Assert(rows, check.HasLen, 1)
	// v2 over samples {0,1}: both hom-alt
	c.Check(rows[0][2], check.Equals, "v2")
	c.Check(rows[0][5], check.Equals, "1")
	c.Check(rows[0][6], check.Equals, "4")
}

func (s *freqSuite) TestBadRegion(c *check.C) {
	ds := mkDataset(c, []VariantMeta{
		{Chrom: "1", Pos: 100, Ref: "A", Alt: "G"},
	}, nil, [][]uint8{{0}})
	var input bytes.Buffer
	c.Assert(WriteDataset(&input, ds), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := (&freqcmd{}).RunCommand("varstats freq", []string{"-region=nonsense"}, &input, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s)invalid region "nonsense".*`)
}
