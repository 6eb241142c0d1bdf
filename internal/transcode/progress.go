package transcode

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// readProgress consumes ffmpeg `-progress` output and reports the encoded
// position after every block. It returns true if ffmpeg signalled the end.
func readProgress(r io.Reader, fn ProgressFunc) bool {
	sc := bufio.NewScanner(r)
	var last time.Duration
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys are in microseconds.
			if us, err := strconv.ParseInt(val, 10, 64); err == nil && us >= 0 {
				if d := time.Duration(us) * time.Microsecond; d > last {
					last = d
				}
			}
		case "progress":
			if fn != nil {
				fn(last)
			}
			if val == "end" {
				// Drain so ffmpeg never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, r)
				return true
			}
		}
	}
	return false
}
