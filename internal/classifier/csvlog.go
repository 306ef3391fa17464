package classifier

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is one classification decision, immutable once written.
type Record struct {
	Time       time.Time
	Folder     string
	Image      string
	Positive   bool
	Confidence float64
	Err        error
}

// appendRecords appends one row per record to the UTC-dated events log,
// writing the header when the file is new. Rows for images that failed to
// classify carry an ERROR label and an empty confidence column.
func appendRecords(logsDir string, day time.Time, records []Record) error {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(logsDir, fmt.Sprintf("events_%s.csv", day.UTC().Format("20060102")))

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write([]string{"utc_time", "folder", "image", "human", "confidence"}); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, r := range records {
		row := []string{
			r.Time.UTC().Format("2006-01-02T15:04:05Z"),
			r.Folder,
			r.Image,
		}
		if r.Err != nil {
			row = append(row, "ERROR", "")
		} else if r.Positive {
			row = append(row, "YES", fmt.Sprintf("%.4f", r.Confidence))
		} else {
			row = append(row, "NO", fmt.Sprintf("%.4f", r.Confidence))
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
