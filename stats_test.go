// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"bytes"
	"encoding/json"

	"gopkg.in/check.v1"
)

type statsSuite struct{}

var _ = check.Suite(&statsSuite{})

func (s *statsSuite) TestRunCommand(c *check.C) {
	ds := mkDataset(c, []VariantMeta{
		{Chrom: "1", Pos: 100, ID: "v1", Ref: "A", Alt: "G"},
		{Chrom: "1", Pos: 200, ID: "v2", Ref: "C", Alt: "T"},
		{Chrom: "2", Pos: 50, ID: "v3", Ref: "G", Alt: "A"},
	}, nil, [][]uint8{
		{0, 1, 2, 3},
		{0, 0, 0, 0},
		{3, 3, 1, 2},
	})
	var input bytes.Buffer
	c.Assert(WriteDataset(&input, ds), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := (&statscmd{}).RunCommand("varstats stats", nil, &input, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	var got struct {
		VariantCt   int
		SampleCt    int
		Chromosomes []chromSpan
		MissingRate float64
	}
	c.Assert(json.Unmarshal(stdout.Bytes(), &got), check.IsNil)
	c.Check(got.VariantCt, check.Equals, 3)
	c.Check(got.SampleCt, check.Equals, 4)
	c.Check(got.Chromosomes, check.DeepEquals, []chromSpan{
		{Chrom: "1", MinPos: 100, MaxPos: 200, VariantCt: 2},
		{Chrom: "2", MinPos: 50, MaxPos: 50, VariantCt: 1},
	})
	c.Check(got.MissingRate, check.Equals, 0.25)
}
