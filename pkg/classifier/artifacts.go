package classifier

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Artifact file names written by the classifier into its output directory.
const (
	StatsFile       = "stats.csv"
	AttacksFile     = "attacks.csv"
	NormalsFile     = "normals.csv"
	PredictionsFile = "predictions.csv"
)

// Stats is one row of the cumulative stats artifact.
type Stats struct {
	Normal    int64 `json:"normal"`
	Malicious int64 `json:"malicious"`
	Total     int64 `json:"total"`
}

// ReadStats returns the last row of the stats artifact in dir, which holds the
// totals so far. The raw file content is returned alongside.
func ReadStats(dir string) (Stats, string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, StatsFile))
	if err != nil {
		return Stats{}, "", err
	}

	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1
	var last []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Stats{}, string(raw), fmt.Errorf("parse %s: %w", StatsFile, err)
		}
		last = rec
	}
	if last == nil {
		return Stats{}, string(raw), nil
	}
	if len(last) < 3 {
		return Stats{}, string(raw), fmt.Errorf("parse %s: want 3 columns, got %d", StatsFile, len(last))
	}

	var vals [3]int64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(last[i]), 64)
		if err != nil {
			return Stats{}, string(raw), fmt.Errorf("parse %s column %d: %w", StatsFile, i+1, err)
		}
		vals[i] = int64(v)
	}
	return Stats{Normal: vals[0], Malicious: vals[1], Total: vals[2]}, string(raw), nil
}

// ArtifactPath returns the path of an artifact if it exists in dir.
func ArtifactPath(dir, name string) (string, bool) {
	p := filepath.Join(dir, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	return p, true
}
