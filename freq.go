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

// freqBatchSize is the number of variant indices a worker claims at a
// time.
const freqBatchSize = 128

type freqcmd struct {
	counts bool
}

func (cmd *freqcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.BoolVar(&cmd.counts, "counts", false, "append genotype class count columns")
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

func (cmd *freqcmd) run(env *queryEnv, threads int, out *reportWriter) error {
	columns := []string{"CHROM", "POS", "ID", "REF", "ALT", "ALT_FREQ", "OBS_CT"}
	if cmd.counts {
		columns = append(columns, "HOM_REF_CT", "HET_CT", "HOM_ALT_CT", "MISSING_CT")
	}
	if err := out.Header(columns...); err != nil {
		return err
	}
	log.Infof("computing allele frequencies for %d variants over %d samples in %d goroutines", env.rng.Len(), env.sampleCt(), threads)

	queue := newWorkQueue(env.rng.Start, env.rng.End)
	workers := throttle{Max: threads}
	for i := 0; i < threads; i++ {
		workers.Acquire()
		go func() {
			defer workers.Release()
			var rows rowBuffer
			for workers.Err() == nil {
				start, end := queue.Claim(freqBatchSize)
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

func (cmd *freqcmd) appendRow(rows *rowBuffer, v VariantMeta, counts GenotypeCounts) {
	obs := counts.HomRef + counts.Het + counts.HomAlt
	rows.Str(v.Chrom).Int(int(v.Pos)).OptStr(v.ID).Str(v.Ref).OptStr(v.Alt)
	if obs == 0 {
		rows.NA()
	} else {
		rows.Float(float64(counts.Het+2*counts.HomAlt) / (2 * float64(obs)))
	}
	rows.Int(int(2 * obs))
	if cmd.counts {
		rows.Int(int(counts.HomRef)).Int(int(counts.Het)).Int(int(counts.HomAlt)).Int(int(counts.Missing))
	}
	rows.End()
}
