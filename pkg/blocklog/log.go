// Package blocklog implements Monsoon's append-only block log: a single
// regular file of fixed-unit blocks, a write queue that batches appends
// between flushes, fsync-backed commit, and a backward unit-scan used both
// for crash recovery and for read-by-id lookups during range scans.
package blocklog

import (
	"fmt"
	"os"
	"sync"

	"github.com/monsoondb/monsoon/pkg/codec"
	"github.com/monsoondb/monsoon/pkg/monerrors"
	"golang.org/x/sys/unix"
)

// pendingBlock is one block queued for the next Flush, at a frontier
// offset fixed when it was enqueued.
type pendingBlock struct {
	offset uint32
	data   []byte
}

// Log is an open handle on db.monsoon or a vacuum temporary file. A Log is
// reference-counted: vacuum's rename-swap (Move) leaves the old log's
// handle open under Pin/Release so in-flight range scans captured against
// it keep working until they drain, per the engine's chosen vacuum/scan
// consistency policy.
type Log struct {
	mu sync.Mutex

	path string
	file *os.File

	frontier uint32 // next byte offset an append will land at
	queue    []pendingBlock

	// idCache remembers the (offset, length) of every leaf written in
	// this session, keyed by leaf id, so GetNodeByID avoids a backward
	// scan for nodes this process itself wrote.
	idCache map[uint64]codec.BlockPointer

	refs int // live Pin() count; Close is deferred until it reaches 0
}

// Open opens path for read+append, acquiring an exclusive advisory lock.
// It seeks to end-of-file and records that offset as the write frontier.
// If the file does not exist it is created empty.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("monsoon/blocklog: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("monsoon/blocklog: lock %s: %w", path, monerrors.ErrLockBusy)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("monsoon/blocklog: stat %s: %w", path, err)
	}
	return &Log{
		path:     path,
		file:     f,
		frontier: uint32(fi.Size()),
		idCache:  make(map[uint64]codec.BlockPointer),
		refs:     1,
	}, nil
}

// Pin increments the reference count, keeping the underlying file open
// across a later Close call until every Pin has a matching Release. Callers
// that already know the log is alive (the owning writer actor, which is
// the only goroutine that ever drives its refcount to zero) use this.
func (l *Log) Pin() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

// TryPin increments the reference count only if it has not already reached
// zero (i.e. the log has not already been closed by a prior Release).
// Lock-free readers that discovered this Log via a published pointer they
// raced against a concurrent vacuum swap use this: a false return means the
// log is already gone and the reader must reload the current pointer and
// retry against whatever superseded it.
func (l *Log) TryPin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs <= 0 {
		return false
	}
	l.refs++
	return true
}

// Release decrements the reference count, closing the underlying file
// once it reaches zero.
func (l *Log) Release() error {
	l.mu.Lock()
	l.refs--
	closeNow := l.refs <= 0
	l.mu.Unlock()
	if !closeNow {
		return nil
	}
	return l.file.Close()
}

// Path returns the current file path of the log.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Log) enqueue(block []byte) codec.BlockPointer {
	ptr := codec.BlockPointer{Offset: l.frontier, Length: uint32(len(block))}
	l.queue = append(l.queue, pendingBlock{offset: l.frontier, data: block})
	l.frontier += ptr.Length
	return ptr
}

// PutLeaf encodes and enqueues a leaf node block, caching its pointer
// under id for same-session GetNodeByID lookups.
func (l *Log) PutLeaf(id uint64, leaf codec.Leaf) (codec.BlockPointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, err := codec.EncodeLeaf(id, leaf)
	if err != nil {
		return codec.BlockPointer{}, err
	}
	ptr := l.enqueue(block)
	l.idCache[id] = ptr
	return ptr, nil
}

// PutInterior encodes and enqueues an interior node block.
func (l *Log) PutInterior(interior codec.Interior) (codec.BlockPointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, err := codec.EncodeInterior(interior)
	if err != nil {
		return codec.BlockPointer{}, err
	}
	return l.enqueue(block), nil
}

// PutLeafLinks encodes and enqueues the leaf-links block.
func (l *Log) PutLeafLinks(links codec.LeafLinks) (codec.BlockPointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, err := codec.EncodeLeafLinks(links)
	if err != nil {
		return codec.BlockPointer{}, err
	}
	return l.enqueue(block), nil
}

// PutMetadata encodes and enqueues the metadata block.
func (l *Log) PutMetadata(meta codec.Metadata) (codec.BlockPointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, err := codec.EncodeMetadata(meta)
	if err != nil {
		return codec.BlockPointer{}, err
	}
	return l.enqueue(block), nil
}

// Flush writes every queued block contiguously, starting at the position
// recorded when the first queued block was enqueued, and empties the
// queue. It must be called before Commit.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if len(l.queue) == 0 {
		return nil
	}
	start := l.queue[0].offset
	expect := start
	for _, pb := range l.queue {
		if pb.offset != expect {
			return fmt.Errorf("monsoon/blocklog: %w (expected %d, got %d)", monerrors.ErrWrongWritePosition, expect, pb.offset)
		}
		expect += uint32(len(pb.data))
	}
	buf := make([]byte, 0, expect-start)
	for _, pb := range l.queue {
		buf = append(buf, pb.data...)
	}
	if _, err := l.file.WriteAt(buf, int64(start)); err != nil {
		return fmt.Errorf("monsoon/blocklog: flush write: %w", monerrors.ErrIO)
	}
	l.queue = l.queue[:0]
	return nil
}

// Commit encodes a commit block naming header, appends it, flushes the
// queue, and fsyncs. The snapshot is durable only once Commit returns nil.
func (l *Log) Commit(header codec.Header) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	block := codec.EncodeCommit(header)
	l.enqueue(block)
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("monsoon/blocklog: fsync: %w", monerrors.ErrIO)
	}
	return nil
}

func (l *Log) readAt(ptr codec.BlockPointer) ([]byte, error) {
	buf := make([]byte, ptr.Length)
	if _, err := l.file.ReadAt(buf, int64(ptr.Offset)); err != nil {
		return nil, fmt.Errorf("monsoon/blocklog: read at %d: %w", ptr.Offset, monerrors.ErrIO)
	}
	return buf, nil
}

// GetNode performs a positioned read of ptr and decodes it as a node
// block, returning either a leaf or an interior.
func (l *Log) GetNode(ptr codec.BlockPointer) (id uint64, isLeaf bool, leaf *codec.Leaf, interior *codec.Interior, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, err := l.readAt(ptr)
	if err != nil {
		return 0, false, nil, nil, err
	}
	return codec.DecodeNode(block)
}

// GetLeafLinks performs a positioned read of ptr and decodes the
// leaf-links block.
func (l *Log) GetLeafLinks(ptr codec.BlockPointer) (codec.LeafLinks, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, err := l.readAt(ptr)
	if err != nil {
		return codec.LeafLinks{}, err
	}
	return codec.DecodeLeafLinks(block)
}

// GetMetadata performs a positioned read of ptr and decodes the metadata
// block.
func (l *Log) GetMetadata(ptr codec.BlockPointer) (codec.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, err := l.readAt(ptr)
	if err != nil {
		return codec.Metadata{}, err
	}
	return codec.DecodeMetadata(block)
}

// FindLatestCommit scans the file backwards one unit at a time from
// end-of-file looking for a well-formed commit block. It returns
// (Header{}, false, nil) for a fresh, empty database.
func (l *Log) FindLatestCommit() (codec.Header, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fi, err := l.file.Stat()
	if err != nil {
		return codec.Header{}, false, fmt.Errorf("monsoon/blocklog: stat: %w", monerrors.ErrIO)
	}
	size := fi.Size()
	for offset := size - codec.UnitSize; offset >= 0; offset -= codec.UnitSize {
		unit := make([]byte, codec.UnitSize)
		n, err := l.file.ReadAt(unit, offset)
		if err != nil && n == 0 {
			return codec.Header{}, false, fmt.Errorf("monsoon/blocklog: recovery read at %d: %w", offset, monerrors.ErrIO)
		}
		magic, ok := codec.PeekMagic(unit)
		if !ok || magic != codec.MagicCommit {
			continue
		}
		header, err := codec.DecodeCommit(unit)
		if err != nil {
			// Malformed despite matching magic: not a valid commit,
			// keep stepping backwards.
			continue
		}
		return header, true, nil
	}
	return codec.Header{}, false, nil
}

// GetNodeByID first consults the session cache of positions this process
// wrote; on a miss it scans the file backwards a unit at a time looking
// for a node block whose embedded id matches.
func (l *Log) GetNodeByID(id uint64) (codec.Leaf, codec.BlockPointer, error) {
	l.mu.Lock()
	if ptr, ok := l.idCache[id]; ok {
		l.mu.Unlock()
		block, err := l.readAtUnlocked(ptr)
		if err != nil {
			return codec.Leaf{}, codec.BlockPointer{}, err
		}
		_, _, leaf, _, err := codec.DecodeNode(block)
		if err != nil {
			return codec.Leaf{}, codec.BlockPointer{}, err
		}
		return *leaf, ptr, nil
	}
	fi, err := l.file.Stat()
	if err != nil {
		l.mu.Unlock()
		return codec.Leaf{}, codec.BlockPointer{}, fmt.Errorf("monsoon/blocklog: stat: %w", monerrors.ErrIO)
	}
	size := fi.Size()
	l.mu.Unlock()

	for offset := size - codec.UnitSize; offset >= 0; offset -= codec.UnitSize {
		head := make([]byte, codec.UnitSize)
		n, err := l.readAtOffset(head, offset)
		if err != nil && n == 0 {
			return codec.Leaf{}, codec.BlockPointer{}, fmt.Errorf("monsoon/blocklog: scan read at %d: %w", offset, monerrors.ErrIO)
		}
		nodeID, blockLen, ok := codec.PeekNodeHeader(head)
		if !ok || nodeID != id {
			continue
		}
		// The block may span more than one unit: re-read it at its real
		// length before decoding rather than trusting the single leading
		// unit already in hand.
		block := head
		if blockLen > codec.UnitSize {
			block = make([]byte, blockLen)
			if _, err := l.readAtOffset(block, offset); err != nil {
				return codec.Leaf{}, codec.BlockPointer{}, fmt.Errorf("monsoon/blocklog: scan read at %d: %w", offset, monerrors.ErrIO)
			}
		}
		gotID, isLeaf, leaf, _, err := codec.DecodeNode(block)
		if err != nil || !isLeaf || gotID != id {
			continue
		}
		ptr := codec.BlockPointer{Offset: uint32(offset), Length: uint32(blockLen)}
		l.mu.Lock()
		l.idCache[id] = ptr
		l.mu.Unlock()
		return *leaf, ptr, nil
	}
	return codec.Leaf{}, codec.BlockPointer{}, fmt.Errorf("monsoon/blocklog: leaf %d: %w", id, monerrors.ErrNotFound)
}

func (l *Log) readAtUnlocked(ptr codec.BlockPointer) ([]byte, error) {
	buf := make([]byte, ptr.Length)
	if _, err := l.file.ReadAt(buf, int64(ptr.Offset)); err != nil {
		return nil, fmt.Errorf("monsoon/blocklog: read at %d: %w", ptr.Offset, monerrors.ErrIO)
	}
	return buf, nil
}

func (l *Log) readAtOffset(buf []byte, offset int64) (int, error) {
	return l.file.ReadAt(buf, offset)
}

// Close releases the file lock (implicit on close) and closes the file
// directly, ignoring the reference count. Used only for logs that never
// had their handle shared via Pin.
func (l *Log) Close() error {
	return l.file.Close()
}

// Move renames dst's file over src's path, publishing dst as the file
// living at that path. The source's lock stays on its now-unlinked inode
// until the source log is released, and no longer guards the path; dst's
// open file description and its
// flock (which is tied to the description, not the pathname) both survive
// the rename untouched, so no re-open or re-lock is needed. The caller
// owns dst afterwards; it is responsible for Release-ing the old
// (pre-swap) log once any readers still pinning it have drained.
func Move(src, dst *Log) error {
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if err := os.Rename(dst.path, src.path); err != nil {
		return fmt.Errorf("monsoon/blocklog: rename %s over %s: %w", dst.path, src.path, monerrors.ErrIO)
	}
	dst.path = src.path
	return nil
}
