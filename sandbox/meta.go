package sandbox

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// isolate meta status codes
const (
	metaStatusRuntimeError = "RE"
	metaStatusSignal       = "SG"
	metaStatusTimeout      = "TO"
	metaStatusInternal     = "XX"
)

// parseMeta decodes an isolate --meta file: one "key:value" pair per line.
// Unknown keys are ignored.
func parseMeta(data []byte) (RunReport, error) {
	var rep RunReport
	var maxRSS, cgMem int64

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return RunReport{}, fmt.Errorf("malformed meta line: %q", line)
		}

		var err error
		switch key {
		case "time":
			rep.CPUTime, err = parseSeconds(value)
		case "time-wall":
			rep.WallTime, err = parseSeconds(value)
		case "max-rss":
			maxRSS, err = strconv.ParseInt(value, 10, 64)
		case "cg-mem":
			cgMem, err = strconv.ParseInt(value, 10, 64)
		case "exitcode":
			rep.ExitCode, err = strconv.Atoi(value)
		case "exitsig":
			rep.Signal, err = strconv.Atoi(value)
		case "killed":
			rep.Killed = value == "1"
		case "cg-oom-killed":
			if value == "1" {
				rep.OOMKilled = true
				rep.Killed = true
			}
		case "message":
			rep.Message = value
		case "status":
			switch value {
			case metaStatusTimeout:
				rep.TimedOut = true
				rep.Killed = true
			case metaStatusInternal:
				rep.InternalError = true
			case metaStatusRuntimeError, metaStatusSignal:
			default:
				err = fmt.Errorf("unknown status %q", value)
			}
		}
		if err != nil {
			return RunReport{}, fmt.Errorf("meta field %s: %w", key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return RunReport{}, fmt.Errorf("failed to scan meta: %w", err)
	}

	// cg-mem covers every process in the box, max-rss only the largest one
	rep.PeakMemory = max(maxRSS, cgMem) * KiB
	return rep, nil
}

func parseSeconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(math.Round(f * float64(time.Second))), nil
}
