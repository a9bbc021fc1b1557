// Package tracein loads the per-test-case inputs an analysis run
// consumes: a JSON sidecar describing where each test case's trace
// record file lives, plus a run-wide table of loaded images. The
// convention is one JSON metadata file plus one binary data file per
// test case, which keeps the record files themselves format-agnostic
// (package trace owns their binary layout) while still letting callers
// discover and order test cases without touching the record files.
package tracein

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
)

// TraceInfo is the per-test-case JSON sidecar: which test case this
// is, and the name of its binary record file.
type TraceInfo struct {
	TestCase   int    `json:"test_case"`
	RecordFile string `json:"record_file"`
}

// ImageFileInfo describes one loaded image referenced by trace
// records, for display purposes only.
type ImageFileInfo struct {
	ID   uint32 `json:"id"`
	Low  uint64 `json:"low"`
	High uint64 `json:"high"`
	Name string `json:"name"`
}

// SaveTraceInfo writes info as "<test-case>.json" under dir.
func SaveTraceInfo(dir string, info *TraceInfo) error {
	p := path.Join(dir, fmt.Sprintf("%d.json", info.TestCase))
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("cannot create trace-info sidecar: %v", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

// LoadTraceInfo reads the sidecar for test case testCase under dir.
func LoadTraceInfo(dir string, testCase int) (*TraceInfo, error) {
	p := path.Join(dir, fmt.Sprintf("%d.json", testCase))
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("cannot open trace-info sidecar: %v", err)
	}
	defer f.Close()
	info := &TraceInfo{}
	if err := json.NewDecoder(f).Decode(info); err != nil {
		return nil, fmt.Errorf("cannot decode trace-info sidecar: %v", err)
	}
	return info, nil
}

// AllTestCases lists every test-case ID that has a sidecar under dir,
// in ascending order -- ingestion order determines the shape of the
// merged tree's linear tails, so a rerun over the same directory must
// visit test cases in the same order to reproduce that shape.
func AllTestCases(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list trace directory: %v", err)
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".json"), "%d", &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// OpenRecordFile opens the binary record file named by info under dir.
func OpenRecordFile(dir string, info *TraceInfo) (*os.File, error) {
	p := path.Join(dir, info.RecordFile)
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("cannot open record file: %v", err)
	}
	return f, nil
}

// LoadImagePrefix loads the run-wide image table from a JSON file.
func LoadImagePrefix(p string) ([]ImageFileInfo, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("cannot open image prefix table: %v", err)
	}
	defer f.Close()
	var images []ImageFileInfo
	if err := json.NewDecoder(f).Decode(&images); err != nil {
		return nil, fmt.Errorf("cannot decode image prefix table: %v", err)
	}
	return images, nil
}
