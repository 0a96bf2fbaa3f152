package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// record is one line of a replay file.
type record struct {
	Type   string   `json:"type"` // "item", "sample", or "point"
	Item   *RawItem `json:"item,omitempty"`
	Sample *Sample  `json:"sample,omitempty"`
	Point  *Point   `json:"point,omitempty"`
}

// ReadBatch decodes a JSONL replay stream into a batch. Malformed lines are
// skipped and counted, not fatal; only an unreadable stream returns an error.
func ReadBatch(r io.Reader) (Batch, int, error) {
	var batch Batch
	skipped := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			skipped++
			continue
		}

		switch {
		case rec.Type == "item" && rec.Item != nil:
			if rec.Item.Validate() != nil {
				skipped++
				continue
			}
			batch.Items = append(batch.Items, *rec.Item)
		case rec.Type == "sample" && rec.Sample != nil:
			if rec.Sample.Validate() != nil {
				skipped++
				continue
			}
			batch.Samples = append(batch.Samples, *rec.Sample)
		case rec.Type == "point" && rec.Point != nil:
			if rec.Point.Key.ID == "" || rec.Point.Timestamp.IsZero() {
				skipped++
				continue
			}
			batch.Points = append(batch.Points, *rec.Point)
		default:
			skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return batch, skipped, fmt.Errorf("read replay stream: %w", err)
	}
	return batch, skipped, nil
}
