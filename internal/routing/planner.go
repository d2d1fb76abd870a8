package routing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lavaroute/internal/core"
)

const (
	// maxScan bounds sequential scans over very large (IPv6) pools.
	maxScan = 1 << 16
	// enumerateLimit is the pool size up to which LoadBalance enumerates candidates.
	enumerateLimit = 4096
	// randomAttempts bounds rejection sampling on pools larger than enumerateLimit.
	randomAttempts = 64
	// excludedResolveTimeout bounds hostname resolution of excluded entries.
	excludedResolveTimeout = 10 * time.Second
)

// ErrNoFreeAddress is returned when every candidate address is failing or excluded.
var ErrNoFreeAddress = errors.New("routeplanner: no free address available")

// RequestKind distinguishes search calls from playback/metadata calls.
type RequestKind int

const (
	KindPlayback RequestKind = iota
	KindSearch
)

// LookupFunc resolves a host name into addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// PlannerConfig is the configuration a Planner is built from.
type PlannerConfig struct {
	Blocks             []string
	Excluded           []string
	Strategy           string
	SearchTriggersFail bool
	// FailingTTL expires failing marks; zero keeps them for the process lifetime.
	FailingTTL time.Duration
}

// Option customizes a Planner.
type Option func(*Planner)

// WithLookup replaces the resolver used for excluded host names.
func WithLookup(lookup LookupFunc) Option {
	return func(p *Planner) {
		p.lookup = lookup
	}
}

// WithClock replaces the clock used to timestamp failing addresses.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		p.now = now
	}
}

// WithRandom replaces the source of uniform random indices in [0, n).
func WithRandom(random func(n *big.Int) *big.Int) Option {
	return func(p *Planner) {
		p.random = random
	}
}

// Planner hands out outbound addresses from a pool of CIDR blocks.
// It is safe for concurrent use.
type Planner struct {
	pool               addressPool
	strategy           Strategy
	excluded           map[netip.Addr]struct{}
	searchTriggersFail bool
	failingTTL         time.Duration
	logger             *zap.Logger

	lookup LookupFunc
	now    func() time.Time
	random func(n *big.Int) *big.Int

	mu         sync.Mutex
	index      *big.Int
	blockIndex int
	failing    map[netip.Addr]time.Time

	nano atomic.Uint64
}

// NewPlanner validates cfg and builds a Planner. Every configuration problem
// is reported as a core.ConfigurationError before the planner is usable.
func NewPlanner(cfg PlannerConfig, logger *zap.Logger, opts ...Option) (*Planner, error) {
	if len(cfg.Blocks) == 0 {
		return nil, core.NewConfigurationError("routeplanner", "", errors.New("no ip blocks configured"))
	}

	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	blocks := make([]AddressBlock, 0, len(cfg.Blocks))
	for _, text := range cfg.Blocks {
		block, err := ParseBlock(text)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	p := &Planner{
		pool:               newAddressPool(blocks),
		strategy:           strategy,
		excluded:           make(map[netip.Addr]struct{}),
		searchTriggersFail: cfg.SearchTriggersFail,
		failingTTL:         cfg.FailingTTL,
		logger:             logger,
		lookup:             defaultLookup,
		now:                time.Now,
		random:             cryptoRandom,
		index:              new(big.Int),
		failing:            make(map[netip.Addr]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.resolveExcluded(cfg.Excluded); err != nil {
		return nil, err
	}

	p.nano.Store(uint64(p.now().UnixNano()))

	logger.Info("Route planner configured",
		zap.String("strategy", strategy.String()),
		zap.Int("blocks", len(blocks)),
		zap.String("total_addresses", p.pool.total.String()),
		zap.Int("excluded", len(p.excluded)),
		zap.Duration("failing_ttl", cfg.FailingTTL))

	return p, nil
}

func (p *Planner) resolveExcluded(entries []string) error {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if addr, err := netip.ParseAddr(entry); err == nil {
			p.excluded[addr.Unmap()] = struct{}{}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), excludedResolveTimeout)
		addrs, err := p.lookup(ctx, entry)
		cancel()
		if err != nil {
			return core.NewConfigurationError("routeplanner", entry,
				fmt.Errorf("failed to resolve excluded address: %w", err))
		}
		if len(addrs) == 0 {
			return core.NewConfigurationError("routeplanner", entry,
				errors.New("excluded address resolved to nothing"))
		}
		for _, addr := range addrs {
			p.excluded[addr.Unmap()] = struct{}{}
		}
	}
	return nil
}

// Strategy returns the configured selection strategy.
func (p *Planner) Strategy() Strategy {
	return p.strategy
}

// Next selects the address for the next outbound request.
func (p *Planner) Next() (netip.Addr, error) {
	switch p.strategy {
	case RotateOnBan:
		return p.nextRotating()
	case LoadBalance:
		return p.nextBalanced()
	case NanoSwitch:
		return p.nextNano(), nil
	case RotatingNanoSwitch:
		return p.nextRotatingNano()
	}
	return netip.Addr{}, fmt.Errorf("routeplanner: unhandled strategy %s", p.strategy)
}

func (p *Planner) nextRotating() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	scan := scanLimit(p.pool.total)
	for i := 0; i < scan; i++ {
		addr := p.pool.at(p.index)
		if p.usableLocked(addr) {
			return addr, nil
		}
		p.advanceLocked()
	}
	return netip.Addr{}, ErrNoFreeAddress
}

func (p *Planner) nextBalanced() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool.total.Cmp(big.NewInt(enumerateLimit)) <= 0 {
		candidates := make([]netip.Addr, 0, p.pool.total.Int64())
		for i := int64(0); i < p.pool.total.Int64(); i++ {
			addr := p.pool.at(big.NewInt(i))
			if p.usableLocked(addr) {
				candidates = append(candidates, addr)
			}
		}
		if len(candidates) == 0 {
			return netip.Addr{}, ErrNoFreeAddress
		}
		return candidates[p.random(big.NewInt(int64(len(candidates)))).Int64()], nil
	}

	for i := 0; i < randomAttempts; i++ {
		addr := p.pool.at(p.random(p.pool.total))
		if p.usableLocked(addr) {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrNoFreeAddress
}

func (p *Planner) nextNano() netip.Addr {
	block := p.pool.blocks[0]
	return block.AddressAt(new(big.Int).SetUint64(p.nano.Add(1)))
}

func (p *Planner) nextRotatingNano() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range p.pool.blocks {
		block := p.pool.blocks[p.blockIndex]
		scan := scanLimit(block.size)
		for i := 0; i < scan; i++ {
			addr := block.AddressAt(new(big.Int).SetUint64(p.nano.Add(1)))
			if p.usableLocked(addr) {
				return addr, nil
			}
		}
		p.blockIndex = (p.blockIndex + 1) % len(p.pool.blocks)
	}
	return netip.Addr{}, ErrNoFreeAddress
}

// MarkFailing records addr as failing. Search requests only mark addresses
// when SearchTriggersFail is set. It reports whether the mark was recorded.
func (p *Planner) MarkFailing(addr netip.Addr, kind RequestKind) bool {
	if !p.strategy.tracksFailing() {
		return false
	}
	if kind == KindSearch && !p.searchTriggersFail {
		p.logger.Debug("Search request failed, not marking address as failing",
			zap.String("address", addr.String()))
		return false
	}

	addr = addr.Unmap()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.failing[addr] = p.now()

	switch p.strategy {
	case RotateOnBan:
		if p.pool.at(p.index) == addr {
			p.advanceLocked()
		}
	case RotatingNanoSwitch:
		p.blockIndex = (p.blockIndex + 1) % len(p.pool.blocks)
	}

	p.logger.Warn("Marked address as failing",
		zap.String("address", addr.String()),
		zap.Int("failing", len(p.failing)))
	return true
}

// Free clears the failing mark of addr and reports whether one existed.
func (p *Planner) Free(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr = addr.Unmap()
	if _, ok := p.failing[addr]; !ok {
		return false
	}
	delete(p.failing, addr)
	return true
}

// FreeAll clears every failing mark.
func (p *Planner) FreeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = make(map[netip.Addr]time.Time)
}

// TotalAddresses returns the size of the address pool.
func (p *Planner) TotalAddresses() *big.Int {
	return new(big.Int).Set(p.pool.total)
}

// FailingCount returns the number of addresses currently marked failing.
func (p *Planner) FailingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked()
	return len(p.failing)
}

// FailingAddress is one entry of the failing set.
type FailingAddress struct {
	Address string    `json:"address"`
	Since   time.Time `json:"failingSince"`
}

// Status is a consistent snapshot of planner state.
type Status struct {
	Strategy         string           `json:"strategy"`
	Blocks           []string         `json:"ipBlocks"`
	TotalAddresses   string           `json:"totalAddresses"`
	CurrentAddress   string           `json:"currentAddress,omitempty"`
	FailingAddresses []FailingAddress `json:"failingAddresses"`
}

// Status returns a snapshot of the planner state.
func (p *Planner) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked()

	status := Status{
		Strategy:         p.strategy.String(),
		TotalAddresses:   p.pool.total.String(),
		FailingAddresses: make([]FailingAddress, 0, len(p.failing)),
	}
	for _, b := range p.pool.blocks {
		status.Blocks = append(status.Blocks, b.String())
	}
	if p.strategy == RotateOnBan {
		status.CurrentAddress = p.pool.at(p.index).String()
	}
	for addr, since := range p.failing {
		status.FailingAddresses = append(status.FailingAddresses, FailingAddress{Address: addr.String(), Since: since})
	}
	sort.Slice(status.FailingAddresses, func(i, j int) bool {
		return status.FailingAddresses[i].Address < status.FailingAddresses[j].Address
	})
	return status
}

func (p *Planner) usableLocked(addr netip.Addr) bool {
	if p.strategy.filtersExcluded() {
		if _, ok := p.excluded[addr]; ok {
			return false
		}
	}
	if !p.strategy.tracksFailing() {
		return true
	}

	since, ok := p.failing[addr]
	if !ok {
		return true
	}
	if p.failingTTL > 0 && p.now().Sub(since) >= p.failingTTL {
		delete(p.failing, addr)
		return true
	}
	return false
}

func (p *Planner) expireLocked() {
	if p.failingTTL <= 0 {
		return
	}
	now := p.now()
	for addr, since := range p.failing {
		if now.Sub(since) >= p.failingTTL {
			delete(p.failing, addr)
		}
	}
}

func (p *Planner) advanceLocked() {
	p.index.Add(p.index, big.NewInt(1))
	if p.index.Cmp(p.pool.total) >= 0 {
		p.index.SetInt64(0)
	}
}

func scanLimit(size *big.Int) int {
	if size.IsInt64() && size.Int64() < maxScan {
		return int(size.Int64())
	}
	return maxScan
}

func cryptoRandom(n *big.Int) *big.Int {
	v, err := rand.Int(rand.Reader, n)
	if err != nil {
		return new(big.Int)
	}
	return v
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}
