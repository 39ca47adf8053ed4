package perfmetrics

import (
	"log/slog"

	"golang.org/x/sync/errgroup"

	"udpftp/client/transfer"
)

// Recorder appends download results to a CSV log from a background
// goroutine, so a slow log disk never holds up the next download.
type Recorder struct {
	path    string
	client  string
	log     *slog.Logger
	results chan *transfer.Result
	g       errgroup.Group
}

func NewRecorder(path, client string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		path:    path,
		client:  client,
		log:     log,
		results: make(chan *transfer.Result, 16),
	}
	r.g.Go(r.drain)
	return r
}

// Record queues res for logging. It must not be called after Close.
func (r *Recorder) Record(res *transfer.Result) {
	r.results <- res
}

// Close flushes queued results and returns the first write error.
func (r *Recorder) Close() error {
	close(r.results)
	return r.g.Wait()
}

func (r *Recorder) drain() error {
	var firstErr error
	for res := range r.results {
		if err := LogPerformanceToCSV(r.path, r.record(res)); err != nil {
			r.log.Error("metrics write failed", "file", res.Name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Recorder) record(res *transfer.Result) Record {
	timing := res.Timing()
	rec := Record{
		Time:           res.Started,
		Client:         r.client,
		FileName:       res.Name,
		Status:         "OK",
		FileSize:       res.Size,
		Blocks:         res.Blocks,
		Retransmits:    res.Retransmits,
		Faults:         res.Faults,
		ThroughputKBps: timing.TransferSpeed,
		Elapsed:        res.Duration,
	}
	switch {
	case transfer.IsNotFound(res.Err):
		rec.Status = "NOT_FOUND"
	case !res.OK():
		rec.Status = "FAILED"
	default:
		rec.Digest = res.Digest
	}
	return rec
}
