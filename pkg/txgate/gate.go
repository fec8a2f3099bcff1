// Package txgate implements Monsoon's transaction gate: a single actor
// goroutine that serialises every mutating and gating operation, owns at
// most two live tree headers (the committed current and a pending tx),
// and monitors the liveness of whichever caller holds the open
// transaction so it can be discarded if that caller dies.
package txgate

import (
	"fmt"
	"sync/atomic"

	"github.com/monsoondb/monsoon/pkg/blocklog"
	"github.com/monsoondb/monsoon/pkg/btree"
	"github.com/monsoondb/monsoon/pkg/codec"
	"github.com/monsoondb/monsoon/pkg/metrics"
	"github.com/monsoondb/monsoon/pkg/monerrors"
	"github.com/monsoondb/monsoon/pkg/monlog"
	"github.com/monsoondb/monsoon/pkg/vacuum"
	"github.com/rs/zerolog"
)

// CallerID is the opaque token identifying a caller across the operations
// in this package. The dispatcher mints and supplies it; the gate never
// interprets its contents.
type CallerID string

// Options configures a Gate.
type Options struct {
	Dir      string
	Capacity int
	GenLimit int
	Cmp      codec.Comparator
}

type txState struct {
	holder   CallerID
	header   codec.Header
	liveness <-chan struct{}
}

// snapshotState is what the actor publishes for lock-free reads: the last
// committed header paired with the log it must be read against. The two
// are always swapped together so a reader never sees a header and a log
// that belong to different generations.
type snapshotState struct {
	header codec.Header
	log    *blocklog.Log
}

// Gate is the running actor. Create one with Open and stop it with Close.
type Gate struct {
	dir      string
	capacity int
	genLimit int
	cmp      codec.Comparator

	log    *blocklog.Log
	alloc  *btree.Allocator
	logger zerolog.Logger

	current codec.Header
	tx      *txState
	gen     int

	// state is read by Get/GetMetadata/Snapshot without going through
	// reqCh, so ordinary reads never queue behind in-flight writes. Only
	// the actor goroutine ever stores into it.
	state atomic.Pointer[snapshotState]
	// txHolder mirrors tx.holder for the lock-free read path: it lets a
	// caller's own Get/GetMetadata notice it holds the open transaction
	// and must be routed through the actor to see its own uncommitted
	// writes, without every other caller paying that cost.
	txHolder atomic.Pointer[CallerID]

	reqCh  chan request
	stopCh chan struct{}
	doneCh chan struct{}
}

type request struct {
	run  func(g *Gate) (any, error)
	resp chan response
}

type response struct {
	val any
	err error
}

// Open opens the primary log file at dir/db.monsoon (creating it if
// absent), recovers the latest commit header, seeds the leaf id
// allocator past every id referenced by it, and starts the gate's actor
// goroutine.
func Open(opts Options) (*Gate, error) {
	log, err := blocklog.Open(dbPath(opts.Dir))
	if err != nil {
		return nil, err
	}
	header, found, err := log.FindLatestCommit()
	if err != nil {
		log.Close()
		return nil, err
	}
	if !found {
		header = codec.Header{}
	}

	seed := uint64(0)
	if !header.LeafLinks.IsZero() {
		links, err := log.GetLeafLinks(header.LeafLinks)
		if err != nil {
			log.Close()
			return nil, err
		}
		for id := range links.Links {
			if id > seed {
				seed = id
			}
		}
	}

	g := &Gate{
		dir:      opts.Dir,
		capacity: opts.Capacity,
		genLimit: opts.GenLimit,
		cmp:      opts.Cmp,
		log:      log,
		alloc:    btree.NewAllocator(seed),
		logger:   monlog.WithComponent("txgate"),
		current:  header,
		reqCh:    make(chan request),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	g.state.Store(&snapshotState{header: header, log: log})
	go g.run()
	return g, nil
}

func dbPath(dir string) string {
	return dir + "/db.monsoon"
}

// Close stops the actor goroutine and releases the primary log.
func (g *Gate) Close() error {
	close(g.stopCh)
	<-g.doneCh
	return g.log.Release()
}

func (g *Gate) run() {
	defer close(g.doneCh)
	for {
		liveness := g.livenessChan()
		select {
		case req := <-g.reqCh:
			val, err := req.run(g)
			req.resp <- response{val: val, err: err}
		case <-liveness:
			g.logger.Warn().Str("caller", string(g.tx.holder)).Msg("transaction holder liveness lost, discarding transaction")
			metrics.TxGateRejectionsTotal.WithLabelValues("liveness_lost").Inc()
			g.tx = nil
			g.txHolder.Store(nil)
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gate) livenessChan() <-chan struct{} {
	if g.tx == nil {
		return nil
	}
	return g.tx.liveness
}

func (g *Gate) call(fn func(g *Gate) (any, error)) (any, error) {
	resp := make(chan response, 1)
	g.reqCh <- request{run: fn, resp: resp}
	r := <-resp
	return r.val, r.err
}

// StartTransaction opens a transaction for caller. liveness should be
// closed by the caller's owning session when it terminates abnormally;
// the gate then auto-cancels the transaction.
func (g *Gate) StartTransaction(caller CallerID, liveness <-chan struct{}) error {
	_, err := g.call(func(g *Gate) (any, error) {
		if g.tx != nil {
			if g.tx.holder == caller {
				return nil, monerrors.ErrTxAlreadyStarted
			}
			return nil, monerrors.ErrTxOccupied
		}
		g.tx = &txState{holder: caller, header: g.current, liveness: liveness}
		g.txHolder.Store(&caller)
		return nil, nil
	})
	return err
}

// EndTransaction publishes the holder's pending header as current and
// commits it durably, then runs vacuum if the generation limit has been
// exceeded.
func (g *Gate) EndTransaction(caller CallerID) error {
	_, err := g.call(func(g *Gate) (any, error) {
		if g.tx == nil || g.tx.holder != caller {
			return nil, monerrors.ErrNotTxProc
		}
		pending := g.tx.header
		if err := g.commit(pending); err != nil {
			return nil, err
		}
		g.tx = nil
		g.txHolder.Store(nil)
		g.maybeVacuum()
		return nil, nil
	})
	return err
}

// CancelTransaction discards the holder's pending header.
func (g *Gate) CancelTransaction(caller CallerID) error {
	_, err := g.call(func(g *Gate) (any, error) {
		if g.tx == nil || g.tx.holder != caller {
			return nil, monerrors.ErrNotTxProc
		}
		g.tx = nil
		g.txHolder.Store(nil)
		return nil, nil
	})
	return err
}

// Put mutates the holder's pending header if caller holds the open
// transaction, the current header if no transaction is open, committing
// immediately in the latter case; any other caller while a transaction is
// open fails with ErrNotTxProc.
func (g *Gate) Put(caller CallerID, key, value any) error {
	_, err := g.call(func(g *Gate) (any, error) {
		return nil, g.mutate(caller, func(header codec.Header) (codec.Header, error) {
			return btree.Insert(g.log, g.cmp, g.capacity, g.alloc, header, key, value)
		})
	})
	return err
}

// Remove behaves like Put but deletes key; absence is a no-op success.
func (g *Gate) Remove(caller CallerID, key any) error {
	_, err := g.call(func(g *Gate) (any, error) {
		return nil, g.mutate(caller, func(header codec.Header) (codec.Header, error) {
			return btree.Remove(g.log, g.cmp, g.capacity, g.alloc, header, key)
		})
	})
	return err
}

// PutMetadata behaves like Put for a single metadata (name, value) entry.
func (g *Gate) PutMetadata(caller CallerID, name string, value any) error {
	_, err := g.call(func(g *Gate) (any, error) {
		return nil, g.mutate(caller, func(header codec.Header) (codec.Header, error) {
			meta := codec.Metadata{}
			if !header.Metadata.IsZero() {
				m, err := g.log.GetMetadata(header.Metadata)
				if err != nil {
					return codec.Header{}, err
				}
				meta = m
			}
			meta = meta.Put(name, value)
			ptr, err := g.log.PutMetadata(meta)
			if err != nil {
				return codec.Header{}, err
			}
			return codec.Header{Root: header.Root, LeafLinks: header.LeafLinks, Metadata: ptr}, nil
		})
	})
	return err
}

// Comparator returns the key comparator the gate was opened with, for
// callers (the engine's range-scan cursor) that need to order keys
// outside the actor loop.
func (g *Gate) Comparator() codec.Comparator {
	return g.cmp
}

// mutate applies fn to the header caller is authorised to mutate right
// now: the pending tx header if caller holds it, or current with an
// immediate commit if no transaction is open.
func (g *Gate) mutate(caller CallerID, fn func(codec.Header) (codec.Header, error)) error {
	if g.tx != nil {
		if g.tx.holder != caller {
			return monerrors.ErrNotTxProc
		}
		newHeader, err := fn(g.tx.header)
		if err != nil {
			return err
		}
		g.tx.header = newHeader
		return nil
	}
	newHeader, err := fn(g.current)
	if err != nil {
		return err
	}
	if err := g.commit(newHeader); err != nil {
		return err
	}
	g.maybeVacuum()
	return nil
}

// Get reads key from the tx holder's pending header if caller holds it,
// otherwise from the last published commit. The latter case never queues
// behind the writer actor: it loads the atomically published state and
// reads straight from it, per the "readers dereference a consistent
// snapshot without locks" concurrency requirement.
func (g *Gate) Get(caller CallerID, key any) (any, bool, error) {
	if g.isTxHolder(caller) {
		v, err := g.call(func(g *Gate) (any, error) {
			header := g.readHeader(caller)
			val, found, err := btree.Search(g.log, g.cmp, header.Root, key)
			if err != nil {
				return nil, err
			}
			return getResult{val: val, found: found}, nil
		})
		if err != nil {
			return nil, false, err
		}
		r := v.(getResult)
		return r.val, r.found, nil
	}
	s := g.pinCurrent()
	defer s.log.Release()
	val, found, err := btree.Search(s.log, g.cmp, s.header.Root, key)
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

type getResult struct {
	val   any
	found bool
}

// GetMetadata reads a metadata entry the same way Get reads a key.
func (g *Gate) GetMetadata(caller CallerID, name string) (any, bool, error) {
	if g.isTxHolder(caller) {
		v, err := g.call(func(g *Gate) (any, error) {
			header := g.readHeader(caller)
			if header.Metadata.IsZero() {
				return getResult{}, nil
			}
			meta, err := g.log.GetMetadata(header.Metadata)
			if err != nil {
				return nil, err
			}
			val, found := meta.Get(name)
			return getResult{val: val, found: found}, nil
		})
		if err != nil {
			return nil, false, err
		}
		r := v.(getResult)
		return r.val, r.found, nil
	}
	s := g.pinCurrent()
	defer s.log.Release()
	if s.header.Metadata.IsZero() {
		return nil, false, nil
	}
	meta, err := s.log.GetMetadata(s.header.Metadata)
	if err != nil {
		return nil, false, err
	}
	val, found := meta.Get(name)
	return val, found, nil
}

func (g *Gate) readHeader(caller CallerID) codec.Header {
	if g.tx != nil && g.tx.holder == caller {
		return g.tx.header
	}
	return g.current
}

// isTxHolder reports whether caller currently holds the open transaction,
// per the lock-free mirror of tx.holder. A caller that races its own
// StartTransaction/EndTransaction against a concurrent Get may observe a
// stale answer for an instant, which is harmless: no other caller's view
// is affected, only the timing of when this caller starts seeing its own
// uncommitted writes.
func (g *Gate) isTxHolder(caller CallerID) bool {
	h := g.txHolder.Load()
	return h != nil && *h == caller
}

// Snapshot returns the header and log to scan against for a range query
// initiated by a caller outside the open transaction: always the last
// published commit, pinned so it survives a concurrent vacuum until the
// scan releases it. Like Get/GetMetadata, this never queues behind the
// writer actor.
func (g *Gate) Snapshot() (codec.Header, *blocklog.Log, error) {
	s := g.pinCurrent()
	return s.header, s.log, nil
}

// pinCurrent loads the published snapshot state and pins its log. A
// concurrent vacuum swap publishes the new state before releasing the old
// log's base reference, so a TryPin failure here means the state pointer
// has already moved on; reloading and retrying always converges.
func (g *Gate) pinCurrent() *snapshotState {
	for {
		s := g.state.Load()
		if s.log.TryPin() {
			return s
		}
	}
}

func (g *Gate) commit(header codec.Header) error {
	timer := metrics.NewTimer()
	if err := g.log.Commit(header); err != nil {
		return fmt.Errorf("monsoon/txgate: commit: %w", err)
	}
	g.current = header
	g.gen++
	g.state.Store(&snapshotState{header: header, log: g.log})
	timer.ObserveDuration(metrics.CommitDurationSeconds)
	// EndTransaction commits while tx is still set; auto-commits only
	// happen with no transaction open.
	origin := "write"
	if g.tx != nil {
		origin = "end_transaction"
	}
	metrics.CommitsTotal.WithLabelValues(origin).Inc()
	metrics.GenerationCurrent.Set(float64(g.gen))
	return nil
}

func (g *Gate) maybeVacuum() {
	if g.tx != nil || g.gen <= g.genLimit {
		return
	}
	timer := metrics.NewTimer()
	result, err := vacuum.Run(g.dir, g.log, g.current)
	if err != nil {
		g.logger.Error().Err(err).Msg("vacuum failed, retaining current log")
		metrics.TxGateRejectionsTotal.WithLabelValues("vacuum_failed").Inc()
		return
	}
	old := g.log
	g.log = result.Log
	g.current = result.Header
	g.gen = 0
	// Publish the new state before releasing the old log's base
	// reference: a lock-free reader that loaded the old pointer and then
	// loses the TryPin race is guaranteed, on reload, to observe this
	// store rather than the stale one.
	g.state.Store(&snapshotState{header: result.Header, log: result.Log})
	if err := old.Release(); err != nil {
		g.logger.Error().Err(err).Msg("releasing pre-vacuum log handle")
	}
	timer.ObserveDuration(metrics.VacuumDurationSeconds)
	metrics.VacuumRunsTotal.Inc()
	metrics.GenerationCurrent.Set(0)
}
