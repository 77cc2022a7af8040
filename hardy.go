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

const hardyBatchSize = 128

type hardycmd struct {
	midp   bool
	approx bool
}

func (cmd *hardycmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	threads := flags.Int("threads", runtime.NumCPU(), "number of worker `goroutines`")
	samples := flags.String("samples", "", "comma-separated 0-based sample `positions` to keep")
	sampleIDs := flags.String("sample-ids", "", "comma-separated sample `IDs` to keep")
	region := flags.String("region", "", "restrict to `chrom:start-end` (positions inclusive)")
	flags.BoolVar(&cmd.midp, "midp", false, "apply mid-p correction to the exact test")
	flags.BoolVar(&cmd.approx, "approx", false, "use the 1-df chi-squared approximation instead of the exact test")
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
	if cmd.midp && cmd.approx {
		err = fmt.Errorf("-midp does not apply to -approx")
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
	err = cmd.run(env, *threads, out)
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

func (cmd *hardycmd) run(env *queryEnv, threads int, out *reportWriter) error {
	err := out.Header("CHROM", "POS", "ID", "REF", "ALT", "A1", "HOM_REF_CT", "HET_CT", "HOM_ALT_CT", "O_HET", "E_HET", "P_HWE")
	if err != nil {
		return err
	}
	log.Infof("testing %d variants for Hardy-Weinberg deviation in %d goroutines", env.rng.Len(), threads)

	queue := newWorkQueue(env.rng.Start, env.rng.End)
	workers := throttle{Max: threads}
	for i := 0; i < threads; i++ {
		workers.Acquire()
		go func() {
			defer workers.Release()
			var rows rowBuffer
			for workers.Err() == nil {
				start, end := queue.Claim(hardyBatchSize)
				if start >= end {
					return
				}
				rows.Reset()
				for vidx := start; vidx < end; vidx++ {
					counts, err := env.ds.Counts(env.subset, vidx)
					if err != nil {
						workers.Report(err)
						return
					}
					cmd.appendRow(&rows, env.ds.Variants[vidx], counts)
				}
				workers.Report(out.WriteBatch(rows.Bytes()))
			}
		}()
	}
	return workers.Wait()
}

func (cmd *hardycmd) appendRow(rows *rowBuffer, v VariantMeta, counts GenotypeCounts) {
	homRef, het, homAlt := counts.HomRef, counts.Het, counts.HomAlt
	obs := homRef + het + homAlt
	rows.Str(v.Chrom).Int(int(v.Pos)).OptStr(v.ID).Str(v.Ref).OptStr(v.Alt).OptStr(v.Alt)
	rows.Int(int(homRef)).Int(int(het)).Int(int(homAlt))
	if obs == 0 {
		rows.NA().NA().NA()
	} else {
		p := float64(2*homRef+het) / (2 * float64(obs))
		rows.Float(float64(het) / float64(obs))
		rows.Float(2 * p * (1 - p))
		if cmd.approx {
			rows.Float(hweChiSqP(int64(homRef), int64(het), int64(homAlt)))
		} else {
			rows.Float(hweExact(int(homRef), int(het), int(homAlt), cmd.midp))
		}
	}
	rows.End()
}

// hweExact computes the Hardy-Weinberg equilibrium exact test p-value
// (Wigginton et al. 2005): enumerate every heterozygote count that is
// possible for the observed allele counts, derive their relative
// probabilities through a multiplicative recurrence from the
// distribution mode, and sum the probabilities of the configurations no
// more likely than the observed one.
func hweExact(obsHom1, obsHets, obsHom2 int, midp bool) float64 {
	if obsHom1+obsHets+obsHom2 == 0 {
		return 1.0
	}

	obsHomC := obsHom1
	obsHomR := obsHom2
	if obsHomR > obsHomC {
		obsHomC, obsHomR = obsHomR, obsHomC
	}
	rareCopies := 2*obsHomR + obsHets
	commonCopies := 2*obsHomC + obsHets
	n := obsHomC + obsHomR + obsHets

	// Het counts share the parity of rareCopies. Start the recurrence
	// at the parity-matched mode.
	mid := int(float64(rareCopies) * float64(commonCopies) / float64(2*n))
	if mid%2 != rareCopies%2 {
		mid++
	}

	hetProbs := make([]float64, rareCopies+1)
	hetProbs[mid] = 1.0
	sum := 1.0

	curHets := mid
	curHomR := (rareCopies - mid) / 2
	curHomC := (commonCopies - mid) / 2
	for curHets <= rareCopies-2 {
		// P(k+2)/P(k) = 4 homR homC / ((k+1)(k+2))
		hetProbs[curHets+2] = hetProbs[curHets] * 4.0 * float64(curHomR) * float64(curHomC) /
			((float64(curHets) + 1.0) * (float64(curHets) + 2.0))
		sum += hetProbs[curHets+2]
		curHomR--
		curHomC--
		curHets += 2
	}

	curHets = mid
	curHomR = (rareCopies - mid) / 2
	curHomC = (commonCopies - mid) / 2
	for curHets >= 2 {
		// P(k-2)/P(k) = k(k-1) / (4 (homR+1)(homC+1))
		hetProbs[curHets-2] = hetProbs[curHets] * float64(curHets) * (float64(curHets) - 1.0) /
			(4.0 * (float64(curHomR) + 1.0) * (float64(curHomC) + 1.0))
		sum += hetProbs[curHets-2]
		curHomR++
		curHomC++
		curHets -= 2
	}

	obsProb := hetProbs[obsHets] / sum
	// Tolerance keeps the observed configuration itself from being
	// excluded by floating-point noise.
	threshold := obsProb * (1.0 + 1e-8)
	pValue := 0.0
	for i := rareCopies % 2; i <= rareCopies; i += 2 {
		if prob := hetProbs[i] / sum; prob <= threshold {
			pValue += prob
		}
	}

	if midp {
		pValue -= obsProb * 0.5
	}
	if pValue < 0 {
		return 0
	}
	if pValue > 1 {
		return 1
	}
	return pValue
}
