// Package modulecache compiles contract code into gas-metered modules and
// keeps the compiled form in a bounded LRU keyed by the code hash.
package modulecache

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/metrics"
	"github.com/ruteri/confidential-contract-engine/wasm"
)

type Config struct {
	// Capacity is the number of compiled modules kept. Zero disables caching:
	// every lookup compiles and the caller releases the result.
	Capacity int
	// MaxMemoryPages is the linear memory ceiling enforced at validation and
	// by the runtime.
	MaxMemoryPages uint32
	GasCosts       wasm.GasCosts
}

func DefaultConfig() Config {
	return Config{
		Capacity:       64,
		MaxMemoryPages: wasm.DefaultMaxMemoryPages,
		GasCosts:       wasm.DefaultGasCosts(),
	}
}

// Entry is a validated, instrumented and compiled contract module.
type Entry struct {
	Hash     interfaces.CodeHash
	Compiled wazero.CompiledModule
	ABI      interfaces.ABIVersion
	Features []string
	// FloatFree is set when the code has no floating point, the condition for
	// instantiating new contracts from it.
	FloatFree bool

	mu   sync.Mutex
	refs int
	// evicted is set once the entry is no longer reachable from the cache.
	evicted bool
	closed  bool
}

// acquire takes a reference for a caller. It fails when the compiled module
// has already been closed.
func (e *Entry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.refs++
	return true
}

// Release drops the reference taken by GetOrCompile. The compiled module is
// closed once the entry has left the cache and no caller holds it.
func (e *Entry) Release(ctx context.Context) {
	e.mu.Lock()
	e.refs--
	closing := e.refs <= 0 && e.evicted && !e.closed
	e.closed = e.closed || closing
	e.mu.Unlock()
	if closing {
		_ = e.Compiled.Close(ctx)
	}
}

func (e *Entry) evict(ctx context.Context) {
	e.mu.Lock()
	e.evicted = true
	closing := e.refs <= 0 && !e.closed
	e.closed = e.closed || closing
	e.mu.Unlock()
	if closing {
		_ = e.Compiled.Close(ctx)
	}
}

// HasFeature reports whether the module declared it requires feature.
func (e *Entry) HasFeature(feature string) bool {
	for _, f := range e.Features {
		if f == feature {
			return true
		}
	}
	return false
}

type Cache struct {
	cfg     Config
	runtime wazero.Runtime
	log     *slog.Logger
	metrics *metrics.EngineMetrics

	mu  sync.RWMutex
	lru *lru.Cache[interfaces.CodeHash, *Entry]

	group    singleflight.Group
	compiles atomic.Uint64
}

// New creates a cache backed by its own runtime. Host modules the compiled
// code imports are instantiated by the caller through Runtime.
func New(ctx context.Context, cfg Config, log *slog.Logger, m *metrics.EngineMetrics) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxMemoryPages == 0 {
		cfg.MaxMemoryPages = wasm.DefaultMaxMemoryPages
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MaxMemoryPages)

	c := &Cache{
		cfg:     cfg,
		runtime: wazero.NewRuntimeWithConfig(ctx, rtConfig),
		log:     log,
		metrics: m,
	}
	if err := c.Resize(cfg.Capacity); err != nil {
		_ = c.runtime.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Cache) Runtime() wazero.Runtime {
	return c.runtime
}

func (c *Cache) onEvict(hash interfaces.CodeHash, e *Entry) {
	c.log.Debug("evicting compiled module", "hash", hex.EncodeToString(hash[:8]))
	e.evict(context.Background())
}

// GetOrCompile returns the compiled module of code, compiling it at most once
// for concurrent callers. Code containing floating point is refused for
// OpInit. The caller must Release the entry once it is done instantiating
// from it; eviction in the meantime does not close the compiled module.
func (c *Cache) GetOrCompile(ctx context.Context, code []byte, op interfaces.ContractOperation) (*Entry, error) {
	hash := interfaces.ComputeID(code)
	for {
		entry, err := c.lookup(ctx, hash, code)
		if err != nil {
			return nil, err
		}
		// A failed acquire means the entry was evicted and closed between the
		// lookup and now; the next lookup compiles it again.
		if !entry.acquire() {
			continue
		}
		if err := checkOp(entry, op); err != nil {
			entry.Release(ctx)
			return nil, err
		}
		return entry, nil
	}
}

func (c *Cache) lookup(ctx context.Context, hash interfaces.CodeHash, code []byte) (*Entry, error) {
	c.mu.RLock()
	cache := c.lru
	c.mu.RUnlock()

	if cache == nil {
		c.metrics.CacheMiss()
		entry, err := c.compile(ctx, hash, code)
		if err != nil {
			return nil, err
		}
		entry.evicted = true
		return entry, nil
	}

	if entry, ok := cache.Get(hash); ok {
		c.metrics.CacheHit()
		return entry, nil
	}

	c.metrics.CacheMiss()
	v, err, _ := c.group.Do(hex.EncodeToString(hash[:]), func() (any, error) {
		if entry, ok := cache.Get(hash); ok {
			return entry, nil
		}
		entry, err := c.compile(ctx, hash, code)
		if err != nil {
			return nil, err
		}
		cache.Add(hash, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func checkOp(e *Entry, op interfaces.ContractOperation) error {
	if op == interfaces.OpInit && !e.FloatFree {
		return fmt.Errorf("%w: floating point is not allowed in new contracts", interfaces.ErrUnsupportedModule)
	}
	return nil
}

func (c *Cache) compile(ctx context.Context, hash interfaces.CodeHash, code []byte) (*Entry, error) {
	m, err := wasm.Parse(code)
	if err != nil {
		return nil, err
	}
	if err := wasm.Validate(m, wasm.ValidateOptions{MaxMemoryPages: c.cfg.MaxMemoryPages}); err != nil {
		return nil, err
	}
	abi, features, err := wasm.DetectABI(m)
	if err != nil {
		return nil, err
	}
	floatFree := wasm.IsFloatFree(m)

	instrumented, err := wasm.InjectGas(m, c.cfg.GasCosts)
	if err != nil {
		return nil, err
	}

	compiled, err := c.runtime.CompileModule(ctx, instrumented)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedModule, err)
	}

	c.compiles.Inc()
	c.metrics.Compiled()
	c.log.Info("compiled contract module",
		"hash", hex.EncodeToString(hash[:8]),
		"abi", abi.String(),
		"features", features,
		"floatFree", floatFree,
		"size", len(code))

	return &Entry{
		Hash:      hash,
		Compiled:  compiled,
		ABI:       abi,
		Features:  features,
		FloatFree: floatFree,
	}, nil
}

// Compiles is the number of compilations performed so far.
func (c *Cache) Compiles() uint64 {
	return c.compiles.Load()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Resize changes the capacity, evicting the least recently used entries when
// shrinking. Zero drops every entry and disables caching.
func (c *Cache) Resize(capacity int) error {
	if capacity < 0 {
		return fmt.Errorf("negative cache capacity %d", capacity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.Capacity = capacity
	switch {
	case capacity == 0:
		if c.lru != nil {
			c.lru.Purge()
			c.lru = nil
		}
	case c.lru == nil:
		cache, err := lru.NewWithEvict(capacity, c.onEvict)
		if err != nil {
			return err
		}
		c.lru = cache
	default:
		c.lru.Resize(capacity)
	}
	return nil
}

// Close evicts every entry and closes the runtime.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.lru != nil {
		c.lru.Purge()
		c.lru = nil
	}
	c.mu.Unlock()
	return c.runtime.Close(ctx)
}
