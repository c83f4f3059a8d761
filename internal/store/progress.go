package store

import (
	"bytes"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// errTransferAborted is returned by the progress writer once a callback asked
// to stop the transfer.
var errTransferAborted = errors.New("transfer aborted by progress callback")

// "Receiving objects:  45% (450/1000), 1.20 MiB | 2.00 MiB/s"
var objectsLine = regexp.MustCompile(`^\s*(?:remote:\s*)?([A-Za-z ]+) objects:\s+\d+% \((\d+)/(\d+)\)(?:,\s+([0-9.]+) (bytes|KiB|MiB|GiB))?`)

var sizeUnits = map[string]float64{
	"bytes": 1,
	"KiB":   1 << 10,
	"MiB":   1 << 20,
	"GiB":   1 << 30,
}

// parseProgressLine extracts transfer statistics from one line of git's
// textual progress output. The server's "Total N" summary is not a count of
// received objects and yields nothing.
func parseProgressLine(line string) (TransferStats, bool) {
	if m := objectsLine.FindStringSubmatch(line); m != nil {
		received, _ := strconv.Atoi(m[2])
		total, _ := strconv.Atoi(m[3])
		stats := TransferStats{ReceivedObjects: received, TotalObjects: total}
		if m[4] != "" {
			size, err := strconv.ParseFloat(m[4], 64)
			if err == nil {
				stats.ReceivedBytes = int64(size * sizeUnits[m[5]])
			}
		}
		return stats, true
	}
	return TransferStats{}, false
}

// progressWriter turns git's progress stream into TransferProgress callbacks.
// Lines are terminated by either '\r' or '\n'.
type progressWriter struct {
	mu      sync.Mutex
	cb      Callbacks
	buf     []byte
	aborted bool
}

func newProgressWriter(cb Callbacks) *progressWriter {
	return &progressWriter{cb: cb}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted {
		return 0, errTransferAborted
	}

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]

		stats, ok := parseProgressLine(line)
		if !ok || w.cb == nil {
			continue
		}
		if !w.cb.TransferProgress(stats) {
			w.aborted = true
			return len(p), errTransferAborted
		}
	}
	return len(p), nil
}

// emitRefUpdates reports every ref whose target differs between two
// snapshots. Refs missing from before are reported with a zero old id.
func emitRefUpdates(before, after map[string]Revision, cb Callbacks) {
	if cb == nil {
		return
	}

	names := make([]string, 0, len(after))
	for name := range after {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		old := before[name]
		if old == after[name] {
			continue
		}
		if !cb.UpdateTip(name, old, after[name]) {
			return
		}
	}
}
