package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type benchmarkBaseline struct {
	NSOp     float64 `yaml:"ns_op"`
	AllocsOp float64 `yaml:"allocs_op"`
}

type baselineFile struct {
	Package    string                       `yaml:"package"`
	Benchmarks map[string]benchmarkBaseline `yaml:"benchmarks"`
}

type benchmarkResult struct {
	NSOp     float64
	AllocsOp float64
}

func loadBaseline(path string) (baselineFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is explicitly provided by local CI/operator input
	if err != nil {
		return baselineFile{}, err
	}
	baseline := baselineFile{}
	if err := yaml.Unmarshal(data, &baseline); err != nil {
		return baselineFile{}, err
	}
	if len(baseline.Benchmarks) == 0 {
		return baselineFile{}, fmt.Errorf("baseline %s lists no benchmarks", path)
	}
	if baseline.Package == "" {
		baseline.Package = "./relay"
	}
	return baseline, nil
}

func benchPattern(baseline baselineFile) string {
	names := make([]string, 0, len(baseline.Benchmarks))
	for name := range baseline.Benchmarks {
		names = append(names, regexp.QuoteMeta(name))
	}
	sort.Strings(names)
	return "^(" + strings.Join(names, "|") + ")$"
}

func parseBenchOutput(output string) map[string]benchmarkResult {
	results := map[string]benchmarkResult{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}
		// BenchmarkName-8  N  ns/op  B/op  allocs/op
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		name := fields[0]
		if dash := strings.LastIndex(name, "-"); dash > 0 {
			name = name[:dash]
		}

		result := benchmarkResult{}
		hasNSOp, hasAllocsOp := false, false
		for i := 0; i < len(fields)-1; i++ {
			parsed, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "ns/op":
				result.NSOp, hasNSOp = parsed, true
			case "allocs/op":
				result.AllocsOp, hasAllocsOp = parsed, true
			}
		}
		if hasNSOp && hasAllocsOp && result.NSOp > 0 {
			results[name] = result
		}
	}
	return results
}

func compare(baseline baselineFile, results map[string]benchmarkResult, maxRegression float64) []string {
	failures := []string{}
	factor := 1.0 + maxRegression/100.0
	for name, expected := range baseline.Benchmarks {
		actual, ok := results[name]
		if !ok {
			failures = append(failures, fmt.Sprintf("missing benchmark result: %s", name))
			continue
		}
		if maxNS := expected.NSOp * factor; actual.NSOp > maxNS {
			failures = append(failures, fmt.Sprintf("%s ns/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.NSOp, actual.NSOp, maxNS))
		}
		maxAllocs := expected.AllocsOp * factor
		if actual.AllocsOp > maxAllocs {
			failures = append(failures, fmt.Sprintf("%s allocs/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.AllocsOp, actual.AllocsOp, maxAllocs))
		}
	}
	sort.Strings(failures)
	return failures
}

func main() {
	baselinePath := flag.String("baseline", "tools/perf_baseline.yaml", "path to benchmark baseline YAML")
	benchtime := flag.String("benchtime", "1s", "go test benchmark duration")
	maxRegression := flag.Float64("max-regression", 25.0, "max allowed regression percentage")
	flag.Parse()

	baseline, err := loadBaseline(*baselinePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perf baseline load failed: %v\n", err)
		os.Exit(1)
	}

	command := exec.Command("go", "test", baseline.Package, "-run", "^$", "-bench", benchPattern(baseline), "-benchmem", "-count=1", "-benchtime="+*benchtime) // #nosec G204 -- arguments are passed without shell expansion
	outputBytes, err := command.CombinedOutput()
	output := string(outputBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "benchmark command failed: %v\n%s", err, output)
		os.Exit(1)
	}

	failures := compare(baseline, parseBenchOutput(output), *maxRegression)
	fmt.Print(output)
	if len(failures) == 0 {
		fmt.Println("perf gate: PASS")
		return
	}

	fmt.Println("perf gate: FAIL")
	for _, failure := range failures {
		fmt.Printf("- %s\n", failure)
	}
	os.Exit(2)
}
