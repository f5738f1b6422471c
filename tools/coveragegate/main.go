package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/tools/cover"
)

type coverage struct {
	covered int
	total   int
}

var pureFiles = []string{
	"relay/errors.go",
	"relay/completion.go",
	"relay/item.go",
	"relay/types.go",
	"relay/status_history.go",
	"relay/reconnect_strategy.go",
	"relay/internal/wire/wire.go",
}

var ioFiles = []string{
	"relay/client.go",
	"relay/client_connect.go",
	"relay/client_send.go",
	"relay/outbox.go",
	"relay/outbox_file.go",
	"relay/codec.go",
	"relay/device.go",
	"relay/preferences.go",
	"relay/registry.go",
	"relay/websocket_transport.go",
	"relay/internal/wal/wal.go",
	"relay/internal/dispatch/queue.go",
	"relay/fakeserver/server.go",
}

func parseProfile(path string) (map[string]coverage, error) {
	profiles, err := cover.ParseProfiles(path)
	if err != nil {
		return nil, err
	}

	result := map[string]coverage{}
	for _, profile := range profiles {
		entry := result[profile.FileName]
		for _, block := range profile.Blocks {
			entry.total += block.NumStmt
			if block.Count > 0 {
				entry.covered += block.NumStmt
			}
		}
		result[profile.FileName] = entry
	}
	return result, nil
}

func findCoverage(files map[string]coverage, suffix string) (coverage, bool) {
	for fileName, cov := range files {
		if strings.HasSuffix(fileName, suffix) {
			return cov, true
		}
	}
	return coverage{}, false
}

func pct(c coverage) float64 {
	if c.total == 0 {
		return 0
	}
	return (float64(c.covered) * 100.0) / float64(c.total)
}

func evaluate(files map[string]coverage, overallThreshold, pureThreshold, ioThreshold float64) (coverage, []string) {
	total := coverage{}
	for _, fileCov := range files {
		total.covered += fileCov.covered
		total.total += fileCov.total
	}

	failures := make([]string, 0)
	if overall := pct(total); overall+1e-9 < overallThreshold {
		failures = append(failures, fmt.Sprintf("aggregate coverage %.1f%% is below %.1f%%", overall, overallThreshold))
	}
	check := func(kind string, names []string, threshold float64) {
		for _, fileName := range names {
			fileCov, ok := findCoverage(files, fileName)
			if !ok {
				failures = append(failures, fmt.Sprintf("%s file %s is missing from coverage profile", kind, fileName))
				continue
			}
			if filePct := pct(fileCov); filePct+1e-9 < threshold {
				failures = append(failures, fmt.Sprintf("%s file %s is %.1f%% (required %.1f%%)", kind, fileName, filePct, threshold))
			}
		}
	}
	check("pure", pureFiles, pureThreshold)
	check("io", ioFiles, ioThreshold)

	sort.Strings(failures)
	return total, failures
}

func main() {
	profilePath := flag.String("profile", "coverage.out", "path to go coverage profile")
	overallThreshold := flag.Float64("overall", 80.0, "minimum aggregate coverage percentage")
	pureThreshold := flag.Float64("pure", 95.0, "minimum pure file coverage percentage")
	ioThreshold := flag.Float64("io", 70.0, "minimum io file coverage percentage")
	flag.Parse()

	files, err := parseProfile(*profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coverage gate failed reading profile: %v\n", err)
		os.Exit(1)
	}

	total, failures := evaluate(files, *overallThreshold, *pureThreshold, *ioThreshold)
	fmt.Printf("aggregate: %.1f%% (%d/%d)\n", pct(total), total.covered, total.total)
	if len(failures) == 0 {
		fmt.Println("coverage gate: PASS")
		return
	}

	fmt.Println("coverage gate: FAIL")
	for _, failure := range failures {
		fmt.Printf("- %s\n", failure)
	}
	os.Exit(2)
}
