package perfmetrics

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPerformanceToCSVAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics", "downloads.csv")

	require.NoError(t, LogPerformanceToCSV(path, Record{
		FileName: "data.bin", Status: "OK", FileSize: 2048, Blocks: 3,
		Retransmits: 1, ThroughputKBps: 12.5, Elapsed: 1500 * time.Millisecond, Digest: "abc",
	}))
	require.NoError(t, LogPerformanceToCSV(path, Record{FileName: "my file.txt", Status: "NOT FOUND"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, CsvHeader, rows[0])
	assert.Equal(t, []string{"UDP_Client", "data.bin", "OK", "2.00", "3", "1", "0", "12.50", "1.50", "abc"}, rows[1][1:])
	assert.Equal(t, "my file.txt", rows[2][2])
	assert.Equal(t, "NOT FOUND", rows[2][3])
}
