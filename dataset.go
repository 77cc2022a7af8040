// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/klauspost/pgzip"
)

// VariantMeta describes one biallelic variant. An empty ID or Alt means
// the field is absent. The slice a Dataset carries is sorted by
// (Chrom, Pos); every region and window query depends on that.
type VariantMeta struct {
	Chrom string
	Pos   int32
	ID    string
	Ref   string
	Alt   string
}

// SampleMeta describes one sample. FamilyID may be empty.
type SampleMeta struct {
	FamilyID string
	ID       string
}

// Dataset is an already-decoded genotype matrix plus its metadata: one
// row per variant, one 2-bit genotype per sample, packed 32 samples per
// word. It is written and read as a gob stream, optionally
// gzip-compressed. After loading it is read-only and shared across all
// workers of a query.
type Dataset struct {
	Variants  []VariantMeta
	Samples   []SampleMeta // may be empty when no sample metadata is available
	VariantCt int
	SampleCt  int
	GenoWords []uint64 // VariantCt rows of genoWordCt(SampleCt) words

	stride      int
	fullMask    []uint64
	idIndex     map[string]int
	sampleIndex map[string]int
}

// NewDataset packs per-variant genotype code rows into a Dataset. It is
// the constructor a metadata/genotype loader feeds.
func NewDataset(variants []VariantMeta, samples []SampleMeta, rows [][]uint8) (*Dataset, error) {
	if len(rows) != len(variants) {
		return nil, fmt.Errorf("genotype row count %d does not match variant count %d", len(rows), len(variants))
	}
	sampleCt := 0
	if len(rows) > 0 {
		sampleCt = len(rows[0])
	} else if len(samples) > 0 {
		sampleCt = len(samples)
	}
	ds := &Dataset{
		Variants:  variants,
		Samples:   samples,
		VariantCt: len(variants),
		SampleCt:  sampleCt,
		GenoWords: make([]uint64, 0, len(rows)*genoWordCt(sampleCt)),
	}
	for i, row := range rows {
		if len(row) != sampleCt {
			return nil, fmt.Errorf("genotype row %d has %d samples, want %d", i, len(row), sampleCt)
		}
		ds.GenoWords = append(ds.GenoWords, packGenovec(row)...)
	}
	if err := ds.check(); err != nil {
		return nil, err
	}
	return ds, nil
}

// check validates the consistency invariants a loaded dataset must
// satisfy before any kernel runs. Violations mean a corrupt or
// mismatched input set, so they abort the whole query.
func (ds *Dataset) check() error {
	if len(ds.Variants) != ds.VariantCt {
		return fmt.Errorf("variant count mismatch: matrix has %d variants, metadata has %d", ds.VariantCt, len(ds.Variants))
	}
	if len(ds.Samples) != 0 && len(ds.Samples) != ds.SampleCt {
		return fmt.Errorf("sample count mismatch: matrix has %d samples, metadata has %d", ds.SampleCt, len(ds.Samples))
	}
	stride := genoWordCt(ds.SampleCt)
	if len(ds.GenoWords) != ds.VariantCt*stride {
		return fmt.Errorf("genotype matrix has %d words, want %d", len(ds.GenoWords), ds.VariantCt*stride)
	}
	seen := map[string]bool{}
	prevChrom := ""
	var prevPos int32
	for i, v := range ds.Variants {
		if v.Chrom == prevChrom && i > 0 {
			if v.Pos < prevPos {
				return fmt.Errorf("variant metadata not sorted by (chrom, pos): %s:%d follows %s:%d", v.Chrom, v.Pos, prevChrom, prevPos)
			}
		} else {
			if seen[v.Chrom] {
				return fmt.Errorf("variant metadata not sorted by (chrom, pos): chromosome %s appears in more than one block", v.Chrom)
			}
			seen[v.Chrom] = true
			prevChrom = v.Chrom
		}
		prevPos = v.Pos
	}
	ds.stride = stride
	ds.fullMask = fullLaneMask(ds.SampleCt)
	return nil
}

// lookupSampleID resolves an individual ID to its raw position. First
// match wins when metadata carries duplicate IDs.
func (ds *Dataset) lookupSampleID(id string) (int, bool) {
	if ds.sampleIndex == nil {
		ds.sampleIndex = make(map[string]int, len(ds.Samples))
		for i, s := range ds.Samples {
			if _, dup := ds.sampleIndex[s.ID]; !dup {
				ds.sampleIndex[s.ID] = i
			}
		}
	}
	idx, ok := ds.sampleIndex[id]
	return idx, ok
}

// ReadDataset decodes a dataset from rdr, transparently handling gzip.
func ReadDataset(rdr io.Reader) (*Dataset, error) {
	brdr := bufio.NewReaderSize(rdr, 1<<22)
	if magic, err := brdr.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gzrdr, err := pgzip.NewReader(brdr)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gzrdr.Close()
		return decodeDataset(gzrdr)
	}
	return decodeDataset(brdr)
}

func decodeDataset(rdr io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := gob.NewDecoder(rdr).Decode(&ds); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	if err := ds.check(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// WriteDataset gob-encodes a dataset to w.
func WriteDataset(w io.Writer, ds *Dataset) error {
	bufw := bufio.NewWriter(w)
	if err := gob.NewEncoder(bufw).Encode(ds); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return bufw.Flush()
}

// openDataset loads the dataset named by the -i flag ("-" = stdin).
func openDataset(filename string, stdin io.Reader) (*Dataset, error) {
	var input io.ReadCloser
	if filename == "-" {
		input = ioutil.NopCloser(stdin)
	} else {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		input = f
	}
	defer input.Close()
	return ReadDataset(input)
}

// queryEnv is the outcome of the bind phase shared by every kernel
// command: the dataset, the optional sample subset, and the variant
// range the query runs over. All fields are read-only once built.
type queryEnv struct {
	ds     *Dataset
	subset *SampleSubset
	rng    VariantRange

	// pairEmitted ensures a pairwise LD query writes its single row at
	// most once, even if the query is run more than once on this env.
	pairEmitted onceLatch
}

func bindQuery(dsPath string, stdin io.Reader, samples, sampleIDs, region string) (*queryEnv, error) {
	ds, err := openDataset(dsPath, stdin)
	if err != nil {
		return nil, err
	}
	subset, err := parseSampleSelection(ds, samples, sampleIDs)
	if err != nil {
		return nil, err
	}
	rng := VariantRange{Start: 0, End: ds.VariantCt}
	if region != "" {
		chrom, start, end, err := parseRegion(region)
		if err != nil {
			return nil, err
		}
		rng = resolveRegion(ds.Variants, chrom, start, end)
	}
	return &queryEnv{ds: ds, subset: subset, rng: rng}, nil
}

// sampleCt returns the effective sample count of the query.
func (env *queryEnv) sampleCt() int {
	if env.subset != nil {
		return env.subset.Count()
	}
	return env.ds.SampleCt
}

// rawSample maps an effective sample position back to its raw position.
func (env *queryEnv) rawSample(pos int) int {
	if env.subset != nil {
		return env.subset.Members()[pos]
	}
	return pos
}
