package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// SeedFromFile loads NDJSON events from path into the sink. Each line is one
// Event object. Blank lines are skipped; a malformed line is an error naming
// its line number. Returns the number of events recorded.
//
// This backs the seed-telemetry command, which exists so drain yield math
// can be exercised against a database with known history.
func SeedFromFile(ctx context.Context, sink *Sink, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return n, fmt.Errorf("seed file %s line %d: %w", path, line, err)
		}
		if _, err := ParseKind(string(ev.Kind)); err != nil {
			return n, fmt.Errorf("seed file %s line %d: %w", path, line, err)
		}
		if ev.RunID == "" {
			return n, fmt.Errorf("seed file %s line %d: missing run_id", path, line)
		}
		sink.Record(ctx, ev)
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}
