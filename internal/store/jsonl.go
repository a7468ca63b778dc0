package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// archiveLevel is the zstd level used for result archives.
const archiveLevel = 12

// WriteJSONL writes one JSON object per line.
func WriteJSONL(w io.Writer, results []Result) error {
	enc := json.NewEncoder(w)
	for i := range results {
		if err := enc.Encode(&results[i]); err != nil {
			return fmt.Errorf("encode result %d: %w", results[i].Index, err)
		}
	}
	return nil
}

// ReadJSONL parses output of WriteJSONL. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Result, error) {
	var out []Result
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var res Result
		if err := json.Unmarshal(sc.Bytes(), &res); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, res)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteArchive writes results as zstd-compressed JSONL.
func WriteArchive(w io.Writer, results []Result) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(archiveLevel)))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := WriteJSONL(zw, results); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadArchive decodes an archive written by WriteArchive.
func ReadArchive(r io.Reader) ([]Result, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()
	return ReadJSONL(zr)
}
