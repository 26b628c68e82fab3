package gronka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ProducerFunc performs the actual upstream fetch for a key. The coalescer
// itself does no network I/O.
type ProducerFunc func(ctx context.Context) (*DownloadResult, error)

// FetchOptions qualify a coalesced fetch.
type FetchOptions struct {
	// SkipCache bypasses the ledger check
	SkipCache bool

	// ExpectedKind filters ledger hits: a hit whose recorded kind differs
	// never short-circuits. Empty means any cached kind wins.
	ExpectedKind MediaKind

	// Transform parameters for the requested output. When present the
	// ledger check is bypassed, since output differs per parameter set.
	Transform TransformSpec
}

// FetchResult is what a coalesced fetch resolves to: either a ledger hit
// (Cached, with the previously produced entry) or a fresh upstream result.
// The distinction lets callers skip post-processing on cache hits.
type FetchResult struct {
	Cached bool
	Entry  *LedgerEntry
	Fresh  *DownloadResult
}

// inFlightRequest tracks one upstream fetch and the waiters attached to it.
// Exactly zero or one exists per key at any instant.
type inFlightRequest struct {
	done   chan struct{}
	result *DownloadResult
	err    error
}

// Coalescer serializes concurrent requests for the same source URL into a
// single upstream fetch, fanning the result out to all waiters. The ledger
// is consulted first to short-circuit repeat work.
type Coalescer struct {
	mu       sync.Mutex
	inflight map[string]*inFlightRequest

	repo   Repository
	logger *slog.Logger
}

// NewCoalescer creates a coalescer backed by the given ledger repository.
// repo may be nil, in which case every fetch goes upstream.
func NewCoalescer(repo Repository, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		inflight: make(map[string]*inFlightRequest),
		repo:     repo,
		logger:   logger,
	}
}

// fetchKey computes the normalized in-flight key: the hashed source URL plus
// any qualifiers that change what a fetch would produce. Callers with
// different expected kinds therefore never falsely share a coalesced miss.
func fetchKey(sourceURL string, opts FetchOptions) string {
	key := HashSourceURL(sourceURL, opts.Transform)
	if opts.SkipCache {
		key += "|skip"
	}
	if opts.ExpectedKind != "" {
		key += fmt.Sprintf("|kind=%s", opts.ExpectedKind)
	}
	return key
}

// Fetch resolves a source URL to bytes or a cached ledger entry.
//
// Unless SkipCache is set (and no transform is requested), the ledger is
// consulted first; a hit whose recorded kind matches ExpectedKind returns
// immediately without invoking the producer. Otherwise the request attaches
// to any in-flight fetch for the same key, or starts one. The producer is
// invoked exactly once per key; its result or error fans out to every waiter
// unchanged, and the in-flight entry is removed the instant it settles.
func (c *Coalescer) Fetch(ctx context.Context, sourceURL string, opts FetchOptions, producer ProducerFunc) (*FetchResult, error) {
	if sourceURL == "" {
		return nil, &ValidationError{Field: "url", Reason: "source URL is required"}
	}

	if entry := c.checkLedger(ctx, sourceURL, opts); entry != nil {
		c.logger.Debug("ledger short-circuit", "url", sourceURL, "content_hash", entry.ContentHash)
		return &FetchResult{Cached: true, Entry: entry}, nil
	}

	key := fetchKey(sourceURL, opts)

	c.mu.Lock()
	if req, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return c.wait(ctx, req)
	}

	req := &inFlightRequest{done: make(chan struct{})}
	c.inflight[key] = req
	c.mu.Unlock()

	// Settle in a defer: a panicking producer must still remove the
	// in-flight entry and close done, or every attached waiter would
	// block forever on a channel nothing will ever close.
	var result *DownloadResult
	var err error
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		if r := recover(); r != nil {
			req.err = fmt.Errorf("fetch producer panicked: %v", r)
			close(req.done)
			c.mu.Unlock()
			panic(r)
		}
		req.result, req.err = result, err
		close(req.done)
		c.mu.Unlock()
	}()

	result, err = producer(ctx)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Fresh: result}, nil
}

// InFlight reports how many upstream fetches are currently outstanding.
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coalescer) wait(ctx context.Context, req *inFlightRequest) (*FetchResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-req.done:
	}
	if req.err != nil {
		return nil, req.err
	}
	return &FetchResult{Fresh: req.result}, nil
}

// checkLedger returns a usable ledger entry, or nil when the fetch must go
// upstream. Transform requests bypass the read entirely; writes for them are
// still recorded under the modifier-qualified key by the caller.
func (c *Coalescer) checkLedger(ctx context.Context, sourceURL string, opts FetchOptions) *LedgerEntry {
	if c.repo == nil || opts.SkipCache || !opts.Transform.IsZero() {
		return nil
	}

	entry, err := c.repo.GetLedgerEntry(ctx, HashSourceURL(sourceURL, opts.Transform))
	if err != nil {
		if !errors.Is(err, ErrLedgerEntryNotFound) {
			c.logger.Warn("ledger lookup failed", "url", sourceURL, "err", err)
		}
		return nil
	}

	// A hit with a mismatched kind never short-circuits; when no filter is
	// given the hit always wins.
	if opts.ExpectedKind != "" && entry.Kind != opts.ExpectedKind {
		c.logger.Debug("ledger kind mismatch, fetching fresh",
			"url", sourceURL,
			"cached_kind", entry.Kind,
			"expected_kind", opts.ExpectedKind)
		return nil
	}

	return entry
}

// RecordResult upserts the ledger after a successful fetch-or-produce cycle.
// Rate-limit and other upstream failures must never reach this point.
func (c *Coalescer) RecordResult(ctx context.Context, sourceURL string, opts FetchOptions, entry *LedgerEntry) error {
	if c.repo == nil {
		return nil
	}
	entry.SourceURLHash = HashSourceURL(sourceURL, opts.Transform)
	return c.repo.UpsertLedgerEntry(ctx, entry)
}
