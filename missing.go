// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"flag"
	"fmt"
	"io"
	"math/bits"
	"net/http"
	_ "net/http/pprof"
	"runtime"

	log "github.com/sirupsen/logrus"
)

const missingBatchSize = 128

type missingcmd struct {
	mode string
}

func (cmd *missingcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input dataset `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	threads := flags.Int("threads", runtime.NumCPU(), "number of worker `goroutines` (variant mode only)")
	samples := flags.String("samples", "", "comma-separated 0-based sample `positions` to keep")
	sampleIDs := flags.String("sample-ids", "", "comma-separated sample `IDs` to keep")
	region := flags.String("region", "", "restrict to `chrom:start-end` (positions inclusive)")
	flags.StringVar(&cmd.mode, "mode", "variant", "report per-`\"variant\"` or per-\"sample\" missingness")
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
	if *threads < 1 {
		err = fmt.Errorf("-threads must be at least 1")
		return 2
	}
	if cmd.mode != "variant" && cmd.mode != "sample" {
		err = fmt.Errorf("-mode must be \"variant\" or \"sample\", got %q", cmd.mode)
		return 2
	}

	env, err := bindQuery(*inputFilename, stdin, *samples, *sampleIDs, *region)
	if err != nil {
		return 1
	}
	if cmd.mode == "sample" && len(env.ds.Samples) == 0 {
		err = fmt.Errorf("sample mode requires sample metadata (dataset has none)")
		return 1
	}
	out, err := openReport(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	if cmd.mode == "sample" {
		err = cmd.runSample(env, out)
	} else {
		err = cmd.runVariant(env, *threads, out)
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

func (cmd *missingcmd) runVariant(env *queryEnv, threads int, out *reportWriter) error {
	err := out.Header("CHROM", "POS", "ID", "REF", "ALT", "MISSING_CT", "OBS_CT", "F_MISS")
	if err != nil {
		return err
	}
	sampleCt := env.sampleCt()
	log.Infof("computing per-variant missingness for %d variants over %d samples in %d goroutines", env.rng.Len(), sampleCt, threads)

	queue := newWorkQueue(env.rng.Start, env.rng.End)
	workers := throttle{Max: threads}
	for i := 0; i < threads; i++ {
		workers.Acquire()
		go func() {
			defer workers.Release()
			bitmap := make([]uint64, bitWordCt(sampleCt))
			var rows rowBuffer
			for workers.Err() == nil {
				start, end := queue.Claim(missingBatchSize)
				if start >= end {
					return
				}
				rows.Reset()
				for vidx := start; vidx < end; vidx++ {
					if err := env.ds.Missingness(env.subset, vidx, bitmap); err != nil {
						workers.Report(err)
						return
					}
					missingCt := 0
					for _, word := range bitmap {
						missingCt += bits.OnesCount64(word)
					}
					v := env.ds.Variants[vidx]
					rows.Str(v.Chrom).Int(int(v.Pos)).OptStr(v.ID).Str(v.Ref).OptStr(v.Alt)
					rows.Int(missingCt).Int(sampleCt - missingCt)
					if sampleCt > 0 {
						rows.Float(float64(missingCt) / float64(sampleCt))
					} else {
						rows.Float(0)
					}
					rows.End()
				}
				workers.Report(out.WriteBatch(rows.Bytes()))
			}
		}()
	}
	return workers.Wait()
}

// runSample accumulates one missing-call counter per sample across the
// whole variant range, then emits one row per sample. The accumulation
// runs in a single worker: the counter array has one slot per sample,
// and splitting the variant range across workers would need per-worker
// partial arrays plus a merge for no gain at this array size.
func (cmd *missingcmd) runSample(env *queryEnv, out *reportWriter) error {
	err := out.Header("FID", "IID", "MISSING_CT", "OBS_CT", "F_MISS")
	if err != nil {
		return err
	}
	sampleCt := env.sampleCt()
	variantCt := env.rng.Len()
	log.Infof("computing per-sample missingness over %d variants for %d samples", variantCt, sampleCt)

	missing := make([]uint32, sampleCt)
	bitmap := make([]uint64, bitWordCt(sampleCt))
	for vidx := env.rng.Start; vidx < env.rng.End; vidx++ {
		if err := env.ds.Missingness(env.subset, vidx, bitmap); err != nil {
			return err
		}
		for w, word := range bitmap {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				word &= word - 1
				missing[w*64+b]++
			}
		}
	}

	var rows rowBuffer
	for pos := 0; pos < sampleCt; pos++ {
		s := env.ds.Samples[env.rawSample(pos)]
		rows.OptStr(s.FamilyID).Str(s.ID)
		rows.Int(int(missing[pos])).Int(variantCt - int(missing[pos]))
		if variantCt > 0 {
			rows.Float(float64(missing[pos]) / float64(variantCt))
		} else {
			rows.Float(0)
		}
		rows.End()
	}
	return out.WriteBatch(rows.Bytes())
}
