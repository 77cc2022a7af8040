// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	log "github.com/sirupsen/logrus"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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

	ds, err := openDataset(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type chromSpan struct {
	Chrom     string
	MinPos    int32
	MaxPos    int32
	VariantCt int
}

func (cmd *statscmd) doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		VariantCt    int
		SampleCt     int
		Chromosomes  []chromSpan
		HomRefCalls  int64
		HetCalls     int64
		HomAltCalls  int64
		MissingCalls int64
		MissingRate  float64
	}
	ret.VariantCt = ds.VariantCt
	ret.SampleCt = ds.SampleCt

	for vidx, v := range ds.Variants {
		if n := len(ret.Chromosomes); n == 0 || ret.Chromosomes[n-1].Chrom != v.Chrom {
			ret.Chromosomes = append(ret.Chromosomes, chromSpan{Chrom: v.Chrom, MinPos: v.Pos, MaxPos: v.Pos})
		}
		span := &ret.Chromosomes[len(ret.Chromosomes)-1]
		span.MaxPos = v.Pos
		span.VariantCt++

		counts, err := ds.Counts(nil, vidx)
		if err != nil {
			return err
		}
		ret.HomRefCalls += int64(counts.HomRef)
		ret.HetCalls += int64(counts.Het)
		ret.HomAltCalls += int64(counts.HomAlt)
		ret.MissingCalls += int64(counts.Missing)
	}
	if total := ret.HomRefCalls + ret.HetCalls + ret.HomAltCalls + ret.MissingCalls; total > 0 {
		ret.MissingRate = float64(ret.MissingCalls) / float64(total)
	}

	return json.NewEncoder(output).Encode(ret)
}
