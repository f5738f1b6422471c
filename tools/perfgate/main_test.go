package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `goos: linux
BenchmarkCodecSeal256-8          500000     2100 ns/op     304 B/op     2 allocs/op
BenchmarkFileOutboxAdd-8           5000   300000 ns/op    9000 B/op   100 allocs/op
BenchmarkBroken-8                  oops
PASS
`

func TestParseBenchOutput(t *testing.T) {
	results := parseBenchOutput(sampleOutput)
	assert.Equal(t, map[string]benchmarkResult{
		"BenchmarkCodecSeal256":  {NSOp: 2100, AllocsOp: 2},
		"BenchmarkFileOutboxAdd": {NSOp: 300000, AllocsOp: 100},
	}, results)
}

func TestCompareFlagsRegressionsAndMissingResults(t *testing.T) {
	baseline := baselineFile{Benchmarks: map[string]benchmarkBaseline{
		"BenchmarkCodecSeal256":          {NSOp: 2500, AllocsOp: 2},
		"BenchmarkFileOutboxAdd":         {NSOp: 200000, AllocsOp: 120},
		"BenchmarkMemoryOutboxAddReplay": {NSOp: 6000, AllocsOp: 40},
	}}
	failures := compare(baseline, parseBenchOutput(sampleOutput), 25)
	assert.Equal(t, []string{
		"BenchmarkFileOutboxAdd ns/op regression: baseline 200000.00, actual 300000.00, max 250000.00",
		"missing benchmark result: BenchmarkMemoryOutboxAddReplay",
	}, failures)
	assert.Equal(t, "^(BenchmarkCodecSeal256|BenchmarkFileOutboxAdd|BenchmarkMemoryOutboxAddReplay)$", benchPattern(baseline))
}

func TestLoadBaseline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "baseline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("benchmarks:\n  BenchmarkX:\n    ns_op: 10\n    allocs_op: 1\n"), 0600))
	baseline, err := loadBaseline(path)
	require.NoError(t, err)
	assert.Equal(t, "./relay", baseline.Package)
	assert.Equal(t, benchmarkBaseline{NSOp: 10, AllocsOp: 1}, baseline.Benchmarks["BenchmarkX"])

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("package: ./relay\n"), 0600))
	_, err = loadBaseline(empty)
	assert.Error(t, err)
	_, err = loadBaseline(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
