package perfmetrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// CsvHeader defines the CSV header for performance logging
var CsvHeader = []string{
	"Timestamp", "Client", "FileName", "Status", "FileSizeKB", "Blocks",
	"Retransmits", "Faults", "ThroughputKBps", "TimeSec", "Digest",
}

// Record is one download's line in the performance log.
type Record struct {
	Time           time.Time
	Client         string
	FileName       string
	Status         string
	FileSize       int64
	Blocks         int
	Retransmits    int64
	Faults         int
	ThroughputKBps float64
	Elapsed        time.Duration
	Digest         string // BLAKE2b-256 of the received file, empty on failure
}

// LogPerformanceToCSV appends rec to the CSV file at path, writing the header
// first when the file is new.
func LogPerformanceToCSV(path string, rec Record) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fileExists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fileExists = false
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if !fileExists {
		if err := writer.Write(CsvHeader); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if rec.Client == "" {
		rec.Client = "UDP_Client"
	}

	record := []string{
		rec.Time.Format(time.RFC3339),
		rec.Client,
		rec.FileName,
		rec.Status,
		strconv.FormatFloat(float64(rec.FileSize)/1024, 'f', 2, 64),
		strconv.Itoa(rec.Blocks),
		strconv.FormatInt(rec.Retransmits, 10),
		strconv.Itoa(rec.Faults),
		strconv.FormatFloat(rec.ThroughputKBps, 'f', 2, 64),
		strconv.FormatFloat(rec.Elapsed.Seconds(), 'f', 2, 64),
		rec.Digest,
	}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write CSV record: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV writer: %w", err)
	}
	return nil
}
