// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"bytes"
	"math"
	"strconv"

	"gopkg.in/check.v1"
)

type hardySuite struct{}

var _ = check.Suite(&hardySuite{})

func (s *hardySuite) TestExactReferenceValues(c *check.C) {
	// Expected values from the cog-genomics HWE exact test calculator.
	for _, trial := range []struct {
		homRef, het, homAlt int
		p                   float64
	}{
		{5000, 0, 5000, 0},
		{500, 0, 500, 1.319669097657e-301},
		{83, 13, 4, 0.010293},
		{50, 57, 14, 0.8422797565708},
		{2, 1, 3, 0.15151515151515},
		{500, 2, 0, 1},
		{500, 0, 4, 1.033376916931e-10},
		{500, 0, 2, 0.000002988038880362},
		{500, 1, 2, 0.0000148807309415},
		{500, 4, 2, 0.0002050449518921},
		{500, 2, 2, 0.00004443531076574},
	} {
		got := hweExact(trial.homRef, trial.het, trial.homAlt, false)
		c.Check(math.Abs(got-trial.p) < 1e-6, check.Equals, true,
			check.Commentf("counts (%d, %d, %d): got %g, want %g", trial.homRef, trial.het, trial.homAlt, got, trial.p))
	}
}

func (s *hardySuite) TestExactDegenerate(c *check.C) {
	c.Check(hweExact(0, 0, 0, false), check.Equals, 1.0)
	c.Check(hweExact(0, 0, 0, true), check.Equals, 1.0)
}

func (s *hardySuite) TestExactEquilibrium(c *check.C) {
	// Counts matching p^2 : 2pq : q^2 sit at the distribution mode.
	c.Check(hweExact(2500, 5000, 2500, false) > 0.999, check.Equals, true)
	c.Check(hweExact(8100, 1800, 100, false) > 0.9, check.Equals, true)
}

func (s *hardySuite) TestExactOrderInvariant(c *check.C) {
	c.Check(hweExact(83, 13, 4, false), check.Equals, hweExact(4, 13, 83, false))
	c.Check(hweExact(500, 1, 2, true), check.Equals, hweExact(2, 1, 500, true))
}

func (s *hardySuite) TestExactMonotonicity(c *check.C) {
	// Fixed n=100 and 40 rare copies: heterozygote excess past the
	// mode strictly decreases the p-value.
	prev := math.Inf(1)
	for het := 32; het <= 40; het += 2 {
		homR := (40 - het) / 2
		homC := 100 - het - homR
		p := hweExact(homC, het, homR, false)
		c.Check(p < prev, check.Equals, true, check.Commentf("het=%d: p=%g, prev=%g", het, p, prev))
		prev = p
	}
}

func (s *hardySuite) TestMidp(c *check.C) {
	plain := hweExact(50, 57, 14, false)
	midp := hweExact(50, 57, 14, true)
	c.Check(midp < plain, check.Equals, true)
	c.Check(midp >= 0, check.Equals, true)
	// midp clamps at 0 rather than going negative
	c.Check(hweExact(500, 2, 0, true) >= 0, check.Equals, true)
}

func (s *hardySuite) TestChiSqApprox(c *check.C) {
	c.Check(hweChiSqP(2500, 5000, 2500), check.Equals, 1.0)
	c.Check(hweChiSqP(1000, 0, 0), check.Equals, 1.0)
	c.Check(hweChiSqP(500, 0, 500) < 1e-6, check.Equals, true)
}

func (s *hardySuite) TestRunCommand(c *check.C) {
	ds := mkDataset(c, []VariantMeta{
		{Chrom: "1", Pos: 100, ID: "v1", Ref: "A", Alt: "G"},
		{Chrom: "1", Pos: 200, ID: "v2", Ref: "C", Alt: "T"},
	}, nil, [][]uint8{
		{0, 0, 1, 1, 2, 2, 0, 1, 0, 0},
		{3, 3, 3, 3, 3, 3, 3, 3, 3, 3},
	})
	var input bytes.Buffer
	c.Assert(WriteDataset(&input, ds), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := (&hardycmd{}).RunCommand("varstats hardy", []string{"-threads=2"}, &input, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	header, rows := parseTSV(c, stdout.String())
	c.Check(header, check.DeepEquals, []string{"CHROM", "POS", "ID", "REF", "ALT", "A1", "HOM_REF_CT", "HET_CT", "HOM_ALT_CT", "O_HET", "E_HET", "P_HWE"})
	c.Assert(rows, check.HasLen, 2)

	byID := map[string][]string{}
	for _, row := range rows {
		byID[row[2]] = row
	}
	row := byID["v1"]
	c.Assert(row, check.NotNil)
	c.Check(row[6], check.Equals, "5")
	c.Check(row[7], check.Equals, "3")
	c.Check(row[8], check.Equals, "2")
	p, err := strconv.ParseFloat(row[11], 64)
	c.Assert(err, check.IsNil)
	want := hweExact(5, 3, 2, false)
	c.Check(math.Abs(p-want) < 1e-12, check.Equals, true)

	// all-missing variant: O_HET, E_HET, P_HWE are null
	row = byID["v2"]
	c.Assert(row, check.NotNil)
	c.Check(row[9:12], check.DeepEquals, []string{"NA", "NA", "NA"})
}
