// Package vacuum implements Monsoon's compaction procedure: copy the live
// tree reachable from the current header into a fresh log, then swap it
// in over the primary file path.
package vacuum

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/monsoondb/monsoon/pkg/blocklog"
	"github.com/monsoondb/monsoon/pkg/btree"
	"github.com/monsoondb/monsoon/pkg/codec"
)

// TempFileName is the name of the compaction scratch file, created and
// renamed over the primary file within the same directory.
const TempFileName = "tmp.monsoon"

// Result is the outcome of a successful Run: the new log, now occupying
// the primary file path, and the header it committed.
type Result struct {
	Log    *blocklog.Log
	Header codec.Header
}

// Run walks the live snapshot named by header in src, re-appends it into
// a freshly created temporary log, and atomically swaps that log in over
// src's path via blocklog.Move. The caller is responsible for releasing
// its own reference to src once Run returns, so any scans still pinning
// it keep working until they drain.
func Run(dir string, src *blocklog.Log, header codec.Header) (*Result, error) {
	tmpPath := filepath.Join(dir, TempFileName)
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("monsoon/vacuum: clear stale %s: %w", tmpPath, err)
	}

	tmp, err := blocklog.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("monsoon/vacuum: open %s: %w", tmpPath, err)
	}

	newHeader, err := btree.Copy(src, tmp, header)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("monsoon/vacuum: copy live snapshot: %w", err)
	}

	if err := blocklog.Move(src, tmp); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("monsoon/vacuum: swap compacted log in: %w", err)
	}

	return &Result{Log: tmp, Header: newHeader}, nil
}
