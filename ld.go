// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// ldFillSize bounds the number of rows one fill call may produce, so a
// worker's scan state has to survive being interrupted mid-window.
const ldFillSize = 1024

// ldResult is the pairwise statistic between two genotype vectors.
type ldResult struct {
	r2     float64
	dPrime float64
	obsCt  int
	valid  bool
}

// computeLD computes r-squared and D-prime between two equal-length
// genotype vectors (codes 0/1/2, genoMissing), skipping any sample
// missing in either. A pair with fewer than 2 joint observations or a
// monomorphic member is invalid: r2 and D' are null while obsCt is
// still reported.
//
// D' uses the composite genotype-level estimator (D = cov/4), not the
// haplotype-level one, and is deliberately not clamped: under deviation
// from Hardy-Weinberg equilibrium it can exceed 1.
func computeLD(a, b []uint8) ldResult {
	var sumA, sumB, sumAB, sumA2, sumB2 float64
	n := 0
	for i, ga := range a {
		gb := b[i]
		if ga == genoMissing || gb == genoMissing {
			continue
		}
		fa, fb := float64(ga), float64(gb)
		sumA += fa
		sumB += fb
		sumAB += fa * fb
		sumA2 += fa * fa
		sumB2 += fb * fb
		n++
	}
	result := ldResult{obsCt: n}
	if n < 2 {
		return result
	}
	dn := float64(n)
	meanA := sumA / dn
	meanB := sumB / dn
	cov := sumAB/dn - meanA*meanB
	varA := sumA2/dn - meanA*meanA
	varB := sumB2/dn - meanB*meanB
	if varA < 1e-15 || varB < 1e-15 {
		return result
	}
	result.valid = true
	result.r2 = cov * cov / (varA * varB)

	d := cov / 4
	pa := sumA / (2 * dn)
	pb := sumB / (2 * dn)
	var dMax float64
	if d >= 0 {
		dMax = pa * (1 - pb)
		if other := (1 - pa) * pb; other < dMax {
			dMax = other
		}
	} else {
		dMax = -pa * pb
		if other := -(1 - pa) * (1 - pb); other > dMax {
			dMax = other
		}
	}
	if dMax > -1e-15 && dMax < 1e-15 {
		result.dPrime = 0
	} else {
		result.dPrime = d / dMax
	}
	return result
}

// ldRow is one emitted variant pair.
type ldRow struct {
	a, b int
	res  ldResult
}

// ldWorker owns one worker's windowed-scan cursor. The state machine
// has two states: idle (no anchor) and scanning (anchor claimed, its
// genotype vector cached, partner cursor advancing). fill persists the
// cursor between calls, so a scan interrupted when the output batch is
// full resumes exactly where it stopped without re-reading the anchor.
type ldWorker struct {
	env      *queryEnv
	anchors  *workQueue
	end      int
	windowBp int64
	minR2    float64
	interChr bool

	scanning    bool
	anchor      int
	partner     int
	anchorChrom string
	anchorPos   int32
	anchorVec   []uint8
	partnerVec  []uint8
}

func newLDWorker(env *queryEnv, anchors *workQueue, windowBp int64, minR2 float64, interChr bool) *ldWorker {
	return &ldWorker{
		env:        env,
		anchors:    anchors,
		end:        env.rng.End,
		windowBp:   windowBp,
		minR2:      minR2,
		interChr:   interChr,
		anchorVec:  make([]uint8, env.sampleCt()),
		partnerVec: make([]uint8, env.sampleCt()),
	}
}

// fill produces at most len(dst) rows and returns how many it wrote.
// Zero rows means the anchor queue is exhausted and the scan is done.
func (w *ldWorker) fill(dst []ldRow) (int, error) {
	n := 0
	variants := w.env.ds.Variants
	for {
		if !w.scanning {
			start, end := w.anchors.Claim(1)
			if start >= end {
				return n, nil
			}
			if err := w.env.ds.Genotypes(w.env.subset, start, w.anchorVec); err != nil {
				return n, err
			}
			w.anchor = start
			w.partner = start + 1
			w.anchorChrom = variants[start].Chrom
			w.anchorPos = variants[start].Pos
			w.scanning = true
		}
		for w.partner < w.end {
			v := variants[w.partner]
			if v.Chrom == w.anchorChrom {
				if int64(v.Pos)-int64(w.anchorPos) > w.windowBp {
					if !w.interChr {
						break
					}
					// Past the window: hop to the next chromosome,
					// where the distance filter does not apply.
					for w.partner < w.end && variants[w.partner].Chrom == w.anchorChrom {
						w.partner++
					}
					continue
				}
			} else if !w.interChr {
				break
			}
			if err := w.env.ds.Genotypes(w.env.subset, w.partner, w.partnerVec); err != nil {
				return n, err
			}
			res := computeLD(w.anchorVec, w.partnerVec)
			pidx := w.partner
			w.partner++
			if res.valid && res.r2 >= w.minR2 {
				dst[n] = ldRow{a: w.anchor, b: pidx, res: res}
				n++
				if n == len(dst) {
					return n, nil
				}
			}
		}
		w.scanning = false
	}
}

type ldcmd struct {
	variant1 string
	variant2 string
	windowKb int64
	minR2    float64
	interChr bool
}

func (cmd *ldcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	pprofdir := flags.String("pprof-dir", "", "write Go profile data to `directory` periodically")
	inputFilename := flags.String("i", "-", "input dataset `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	threads := flags.Int("threads", runtime.NumCPU(), "number of worker `goroutines`")
	samples := flags.String("samples", "", "comma-separated 0-based sample `positions` to keep")
	sampleIDs := flags.String("sample-ids", "", "comma-separated sample `IDs` to keep")
	region := flags.String("region", "", "restrict to `chrom:start-end` (positions inclusive)")
	flags.StringVar(&cmd.variant1, "variant1", "", "first variant `ID` for pairwise mode")
	flags.StringVar(&cmd.variant2, "variant2", "", "second variant `ID` for pairwise mode")
	flags.Int64Var(&cmd.windowKb, "window-kb", 1000, "windowed mode: max physical distance in `kb`")
	flags.Float64Var(&cmd.minR2, "min-r2", 0.2, "windowed mode: only emit pairs with r2 at least `R`")
	flags.BoolVar(&cmd.interChr, "inter-chr", false, "windowed mode: also pair variants across chromosomes")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *pprofdir != "" {
		go writeProfilesPeriodically(*pprofdir)
	}
	if *threads < 1 {
		err = fmt.Errorf("-threads must be at least 1")
		return 2
	}
	if (cmd.variant1 == "") != (cmd.variant2 == "") {
		err = fmt.Errorf("pairwise mode needs both -variant1 and -variant2")
		return 2
	}
	if cmd.windowKb < 0 {
		err = fmt.Errorf("-window-kb must be non-negative")
		return 2
	}
	if cmd.minR2 < 0 || cmd.minR2 > 1 {
		err = fmt.Errorf("-min-r2 must be between 0 and 1")
		return 2
	}

	env, err := bindQuery(*inputFilename, stdin, *samples, *sampleIDs, *region)
	if err != nil {
		return 1
	}
	out, err := openReport(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	if cmd.variant1 != "" {
		err = cmd.runPairwise(env, out)
	} else {
		err = cmd.runWindowed(env, *threads, out)
	}
	if err != nil {
		out.Close()
		return 1
	}
	err = out.Close()
	if err != nil {
		return 1
	}
	return 0
}

func ldHeader(out *reportWriter) error {
	return out.Header("CHROM_A", "POS_A", "ID_A", "CHROM_B", "POS_B", "ID_B", "R2", "D_PRIME", "OBS_CT")
}

func appendLDRow(rows *rowBuffer, ds *Dataset, row ldRow) {
	va, vb := ds.Variants[row.a], ds.Variants[row.b]
	rows.Str(va.Chrom).Int(int(va.Pos)).OptStr(va.ID)
	rows.Str(vb.Chrom).Int(int(vb.Pos)).OptStr(vb.ID)
	if row.res.valid {
		rows.Float(row.res.r2).Float(row.res.dPrime)
	} else {
		rows.NA().NA()
	}
	rows.Int(row.res.obsCt)
	rows.End()
}

// runPairwise emits exactly one row for the named pair. The env latch
// keeps repeated or concurrent invocations on the same query from
// emitting it twice.
func (cmd *ldcmd) runPairwise(env *queryEnv, out *reportWriter) error {
	vidxA, ok := env.ds.lookupVariantID(cmd.variant1)
	if !ok {
		return fmt.Errorf("variant %q not found in variant metadata", cmd.variant1)
	}
	vidxB, ok := env.ds.lookupVariantID(cmd.variant2)
	if !ok {
		return fmt.Errorf("variant %q not found in variant metadata", cmd.variant2)
	}
	if !env.pairEmitted.TryClaim() {
		return nil
	}
	if err := ldHeader(out); err != nil {
		return err
	}
	vecA := make([]uint8, env.sampleCt())
	if err := env.ds.Genotypes(env.subset, vidxA, vecA); err != nil {
		return err
	}
	vecB := vecA
	if vidxA != vidxB {
		vecB = make([]uint8, env.sampleCt())
		if err := env.ds.Genotypes(env.subset, vidxB, vecB); err != nil {
			return err
		}
	}
	var rows rowBuffer
	appendLDRow(&rows, env.ds, ldRow{a: vidxA, b: vidxB, res: computeLD(vecA, vecB)})
	return out.WriteBatch(rows.Bytes())
}

func (cmd *ldcmd) runWindowed(env *queryEnv, threads int, out *reportWriter) error {
	if err := ldHeader(out); err != nil {
		return err
	}
	log.Infof("windowed LD scan over %d variants (window %d kb, min r2 %g) in %d goroutines", env.rng.Len(), cmd.windowKb, cmd.minR2, threads)

	anchors := newWorkQueue(env.rng.Start, env.rng.End)
	workers := throttle{Max: threads}
	for i := 0; i < threads; i++ {
		workers.Acquire()
		go func() {
			defer workers.Release()
			w := newLDWorker(env, anchors, cmd.windowKb*1000, cmd.minR2, cmd.interChr)
			buf := make([]ldRow, ldFillSize)
			var rows rowBuffer
			for workers.Err() == nil {
				n, err := w.fill(buf)
				if err != nil {
					workers.Report(err)
					return
				}
				if n == 0 {
					return
				}
				rows.Reset()
				for _, row := range buf[:n] {
					appendLDRow(&rows, env.ds, row)
				}
				workers.Report(out.WriteBatch(rows.Bytes()))
			}
		}()
	}
	return workers.Wait()
}
