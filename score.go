// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

const scoreBatchSize = 128

// ScoredVariant is one weight-file entry bound to a variant index.
// Flip means the scored allele is REF, so the effective dosage is
// 2 minus the alt dosage.
type ScoredVariant struct {
	Vidx   int
	Weight float64
	Flip   bool
}

type scorecmd struct {
	weightsFilename  string
	positional       bool
	center           bool
	noMeanImputation bool
	npyFilename      string
}

func (cmd *scorecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.weightsFilename, "weights", "", "weight `file` (ID,ALLELE,WEIGHT records, or one weight per line with -positional)")
	flags.BoolVar(&cmd.positional, "positional", false, "weight file has one bare weight per in-range variant instead of ID-keyed records")
	flags.BoolVar(&cmd.center, "center", false, "standardize each variant's dosage before weighting")
	flags.BoolVar(&cmd.noMeanImputation, "no-mean-imputation", false, "skip missing calls instead of imputing the variant mean")
	flags.StringVar(&cmd.npyFilename, "o-npy", "", "also write the per-sample score-sum vector to a numpy `file`")
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
	if cmd.weightsFilename == "" {
		err = fmt.Errorf("-weights is required")
		return 2
	}
	if cmd.center && cmd.noMeanImputation {
		err = fmt.Errorf("-center and -no-mean-imputation cannot both be given")
		return 2
	}

	env, err := bindQuery(*inputFilename, stdin, *samples, *sampleIDs, *region)
	if err != nil {
		return 1
	}
	if len(env.ds.Samples) == 0 {
		err = fmt.Errorf("score requires sample metadata (dataset has none)")
		return 1
	}
	scored, err := cmd.loadWeights(env)
	if err != nil {
		return 1
	}
	out, err := openReport(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	err = cmd.run(env, scored, *threads, out)
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

// loadWeights reads the weight file and binds each entry to a variant
// index. ID-keyed files are CSV or TSV with a header naming ID, ALLELE,
// and WEIGHT columns; the scored allele must match the variant's alt
// (Flip=false) or ref (Flip=true) allele. Positional files carry one
// bare weight per line, one per variant in range, in range order.
// Zero-weight entries are dropped either way, and the result is sorted
// by variant index.
func (cmd *scorecmd) loadWeights(env *queryEnv) ([]ScoredVariant, error) {
	f, err := os.Open(cmd.weightsFilename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if cmd.positional {
		return cmd.loadPositionalWeights(env, f)
	}
	return cmd.loadKeyedWeights(env, f)
}

func (cmd *scorecmd) loadKeyedWeights(env *queryEnv, f io.Reader) ([]ScoredVariant, error) {
	buf := bufio.NewReader(f)
	headerLine, err := buf.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	delim := byte(',')
	if strings.ContainsRune(headerLine, '\t') {
		delim = '\t'
	}
	parseLine := func(line string) ([]string, error) {
		rdr := csv.NewReader(strings.NewReader(line))
		rdr.Comma = rune(delim)
		return rdr.Read()
	}
	header, err := parseLine(headerLine)
	if err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", cmd.weightsFilename, err)
	}
	idCol, alleleCol, weightCol := -1, -1, -1
	for i, name := range header {
		switch strings.ToUpper(strings.TrimSpace(name)) {
		case "ID":
			idCol = i
		case "ALLELE", "A1":
			alleleCol = i
		case "WEIGHT", "BETA":
			weightCol = i
		}
	}
	if idCol < 0 || alleleCol < 0 || weightCol < 0 {
		return nil, fmt.Errorf("%s: header must name ID, ALLELE, and WEIGHT columns, got %q", cmd.weightsFilename, header)
	}

	// Bind IDs only within the region-filtered range. First match wins
	// when an ID repeats in the metadata.
	idmap := map[string]int{}
	for vidx := env.rng.Start; vidx < env.rng.End; vidx++ {
		id := env.ds.Variants[vidx].ID
		if id == "" {
			continue
		}
		if _, seen := idmap[id]; !seen {
			idmap[id] = vidx
		}
	}

	rdr := csv.NewReader(buf)
	rdr.Comma = rune(delim)
	rdr.FieldsPerRecord = len(header)
	var scored []ScoredVariant
	unmatchedID, unmatchedAllele := 0, 0
	for lineno := 2; ; lineno++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", cmd.weightsFilename, lineno, err)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(rec[weightCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad weight %q", cmd.weightsFilename, lineno, rec[weightCol])
		}
		vidx, ok := idmap[rec[idCol]]
		if !ok {
			unmatchedID++
			continue
		}
		var flip bool
		switch rec[alleleCol] {
		case env.ds.Variants[vidx].Alt:
			flip = false
		case env.ds.Variants[vidx].Ref:
			flip = true
		default:
			unmatchedAllele++
			continue
		}
		if weight != 0 {
			scored = append(scored, ScoredVariant{Vidx: vidx, Weight: weight, Flip: flip})
		}
	}
	if unmatchedID > 0 {
		log.Warnf("%d weight entries matched no in-range variant ID, skipped", unmatchedID)
	}
	if unmatchedAllele > 0 {
		log.Warnf("%d weight entries named an allele matching neither ref nor alt, skipped", unmatchedAllele)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Vidx < scored[j].Vidx })
	return scored, nil
}

func (cmd *scorecmd) loadPositionalWeights(env *queryEnv, f io.Reader) ([]ScoredVariant, error) {
	var weights []float64
	scanner := bufio.NewScanner(f)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		w, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad weight %q", cmd.weightsFilename, lineno, line)
		}
		weights = append(weights, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(weights) != env.rng.Len() {
		return nil, fmt.Errorf("%s: positional weight count (%d) must match in-range variant count (%d)", cmd.weightsFilename, len(weights), env.rng.Len())
	}
	var scored []ScoredVariant
	for i, w := range weights {
		if w != 0 {
			scored = append(scored, ScoredVariant{Vidx: env.rng.Start + i, Weight: w})
		}
	}
	return scored, nil
}

// scoreState holds the per-sample accumulators plus the gate that makes
// the accumulation pass run exactly once. The unlocked done check comes
// first so steady-state readers skip the mutex.
type scoreState struct {
	mtx        sync.Mutex
	done       uint32
	err        error
	scoreSums  []float64
	dosageSums []float64
	alleleCts  []uint32
}

func (st *scoreState) ensure(fill func() error) error {
	if atomic.LoadUint32(&st.done) == 1 {
		return st.err
	}
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if atomic.LoadUint32(&st.done) == 0 {
		st.err = fill()
		atomic.StoreUint32(&st.done, 1)
	}
	return st.err
}

// accumulate runs the single sequential scoring pass in ascending
// variant-index order. Variants with no observed calls are skipped.
func (cmd *scorecmd) accumulate(env *queryEnv, scored []ScoredVariant, st *scoreState) error {
	sampleCt := env.sampleCt()
	dosages := make([]float64, sampleCt)
	for _, sv := range scored {
		if err := env.ds.Dosages(env.subset, sv.Vidx, dosages); err != nil {
			return err
		}
		sumAlt := 0.0
		obsCt := 0
		for _, d := range dosages {
			if d != missingDosage {
				sumAlt += d
				obsCt++
			}
		}
		if obsCt == 0 {
			continue
		}
		switch {
		case cmd.center:
			meanAlt := sumAlt / float64(obsCt)
			freq := meanAlt / 2
			sd := stdDev(freq)
			if sd == 0 {
				continue
			}
			meanScored := meanAlt
			if sv.Flip {
				meanScored = 2 - meanAlt
			}
			for s, d := range dosages {
				if d == missingDosage {
					continue
				}
				if sv.Flip {
					d = 2 - d
				}
				st.scoreSums[s] += sv.Weight * (d - meanScored) / sd
				st.alleleCts[s] += 2
			}
		case cmd.noMeanImputation:
			for s, d := range dosages {
				if d == missingDosage {
					continue
				}
				if sv.Flip {
					d = 2 - d
				}
				st.scoreSums[s] += sv.Weight * d
				st.dosageSums[s] += d
				st.alleleCts[s] += 2
			}
		default:
			meanAlt := sumAlt / float64(obsCt)
			for s, d := range dosages {
				if d == missingDosage {
					d = meanAlt
				}
				if sv.Flip {
					d = 2 - d
				}
				st.scoreSums[s] += sv.Weight * d
				st.dosageSums[s] += d
				st.alleleCts[s] += 2
			}
		}
	}
	return nil
}

func stdDev(freq float64) float64 {
	v := 2 * freq * (1 - freq)
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

func (cmd *scorecmd) run(env *queryEnv, scored []ScoredVariant, threads int, out *reportWriter) error {
	err := out.Header("FID", "IID", "ALLELE_CT", "DENOM", "NAMED_ALLELE_DOSAGE_SUM", "SCORE_SUM", "SCORE_AVG")
	if err != nil {
		return err
	}
	sampleCt := env.sampleCt()
	log.Infof("scoring %d weighted variants over %d samples", len(scored), sampleCt)

	st := &scoreState{
		scoreSums:  make([]float64, sampleCt),
		dosageSums: make([]float64, sampleCt),
		alleleCts:  make([]uint32, sampleCt),
	}
	queue := newWorkQueue(0, sampleCt)
	workers := throttle{Max: threads}
	for i := 0; i < threads; i++ {
		workers.Acquire()
		go func() {
			defer workers.Release()
			if err := st.ensure(func() error {
				return cmd.accumulate(env, scored, st)
			}); err != nil {
				workers.Report(err)
				return
			}
			var rows rowBuffer
			for workers.Err() == nil {
				start, end := queue.Claim(scoreBatchSize)
				if start >= end {
					return
				}
				rows.Reset()
				for pos := start; pos < end; pos++ {
					s := env.ds.Samples[env.rawSample(pos)]
					alleleCt := st.alleleCts[pos]
					scoreAvg := 0.0
					if alleleCt > 0 {
						scoreAvg = st.scoreSums[pos] / float64(alleleCt)
					}
					rows.OptStr(s.FamilyID).Str(s.ID)
					rows.Int(int(alleleCt)).Int(int(alleleCt))
					rows.Float(st.dosageSums[pos]).Float(st.scoreSums[pos]).Float(scoreAvg)
					rows.End()
				}
				workers.Report(out.WriteBatch(rows.Bytes()))
			}
		}()
	}
	if err := workers.Wait(); err != nil {
		return err
	}
	if cmd.npyFilename != "" {
		return writeScoreNpy(cmd.npyFilename, st.scoreSums)
	}
	return nil
}

func writeScoreNpy(filename string, scoreSums []float64) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(scoreSums)}
	err = npw.WriteFloat64(scoreSums)
	if err != nil {
		return fmt.Errorf("WriteFloat64: %w", err)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}
