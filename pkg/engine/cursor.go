package engine

import (
	"github.com/monsoondb/monsoon/pkg/blocklog"
	"github.com/monsoondb/monsoon/pkg/btree"
	"github.com/monsoondb/monsoon/pkg/txgate"
)

// Cursor is a range-scan stream returned by Engine.Select. It captures its
// snapshot from the gate lazily, on the first Next call, per the range
// scan design: "requests the then-current tree header... single call".
type Cursor struct {
	gate     *txgate.Gate
	lower    any
	hasLower bool
	upper    any
	hasUpper bool

	started bool
	inner   *btree.Cursor
	log     *blocklog.Log
	err     error
}

// Next returns the next (key, value) pair in ascending order. ok is false
// once the stream is exhausted; callers should stop calling Next at that
// point, or after a non-nil error.
func (c *Cursor) Next() (key any, value any, ok bool, err error) {
	if c.err != nil {
		return nil, nil, false, c.err
	}
	if !c.started {
		c.started = true
		header, log, err := c.gate.Snapshot()
		if err != nil {
			c.err = err
			return nil, nil, false, err
		}
		cur, err := btree.Select(log, c.gate.Comparator(), header, c.lower, c.hasLower, c.upper, c.hasUpper)
		if err != nil {
			log.Release()
			c.err = err
			return nil, nil, false, err
		}
		c.inner, c.log = cur, log
	}
	k, v, ok, err := c.inner.Next()
	if err != nil {
		c.err = err
		c.Close()
		return nil, nil, false, err
	}
	if !ok {
		c.Close()
	}
	return k, v, ok, nil
}

// Close releases the pinned snapshot log early, for a caller abandoning
// the cursor before it runs dry. Calling it after the stream is already
// exhausted or closed is a no-op.
func (c *Cursor) Close() error {
	if !c.started || c.log == nil {
		return nil
	}
	log := c.log
	c.log = nil
	return log.Release()
}
