package routing

import (
	"context"
	"errors"
	"math/big"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lavaroute/internal/core"
)

func newTestPlanner(t *testing.T, cfg PlannerConfig, opts ...Option) *Planner {
	t.Helper()
	planner, err := NewPlanner(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return planner
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestParseBlock(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		version IPVersion
		size    string
		wantErr bool
	}{
		{name: "IPv4 /30", cidr: "10.0.0.0/30", version: IPv4, size: "4"},
		{name: "IPv4 single address", cidr: "192.168.1.7/32", version: IPv4, size: "1"},
		{name: "IPv4 unmasked host bits", cidr: "10.0.0.5/30", version: IPv4, size: "4"},
		{name: "IPv6 /64", cidr: "2001:db8::/64", version: IPv6, size: "18446744073709551616"},
		{name: "IPv6 /128", cidr: "2001:db8::1/128", version: IPv6, size: "1"},
		{name: "Whitespace", cidr: "  10.1.0.0/24 ", version: IPv4, size: "256"},
		{name: "Not an IP", cidr: "not-an-ip", wantErr: true},
		{name: "Missing prefix", cidr: "10.0.0.1", wantErr: true},
		{name: "Prefix too long", cidr: "10.0.0.0/33", wantErr: true},
		{name: "Empty", cidr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block, err := ParseBlock(tt.cidr)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsConfigurationError(err), "expected ConfigurationError, got %T", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, block.Version())
			assert.Equal(t, tt.size, block.Size().String())
		})
	}
}

func TestAddressBlock_AddressAt(t *testing.T) {
	block, err := ParseBlock("10.0.0.0/30")
	require.NoError(t, err)

	assert.Equal(t, mustAddr("10.0.0.0"), block.AddressAt(big.NewInt(0)))
	assert.Equal(t, mustAddr("10.0.0.3"), block.AddressAt(big.NewInt(3)))
	assert.Equal(t, mustAddr("10.0.0.1"), block.AddressAt(big.NewInt(5)), "index should wrap")

	v6, err := ParseBlock("2001:db8::/64")
	require.NoError(t, err)
	assert.Equal(t, mustAddr("2001:db8::ff"), v6.AddressAt(big.NewInt(255)))
	assert.True(t, v6.Contains(v6.AddressAt(big.NewInt(1<<40))))
}

func TestAddressPool_SpansBlocks(t *testing.T) {
	a, _ := ParseBlock("10.0.0.0/31")
	b, _ := ParseBlock("10.0.1.0/31")
	pool := newAddressPool([]AddressBlock{a, b})

	assert.Equal(t, "4", pool.total.String())
	assert.Equal(t, mustAddr("10.0.0.1"), pool.at(big.NewInt(1)))
	assert.Equal(t, mustAddr("10.0.1.0"), pool.at(big.NewInt(2)))
	assert.Equal(t, mustAddr("10.0.0.0"), pool.at(big.NewInt(4)))
}

func TestNewPlanner_ConfigurationErrors(t *testing.T) {
	failingLookup := WithLookup(func(context.Context, string) ([]netip.Addr, error) {
		return nil, errors.New("no such host")
	})

	tests := []struct {
		name string
		cfg  PlannerConfig
	}{
		{name: "Malformed CIDR", cfg: PlannerConfig{Blocks: []string{"not-an-ip"}, Strategy: "rotateonban"}},
		{name: "No blocks", cfg: PlannerConfig{Strategy: "rotateonban"}},
		{name: "Unknown strategy", cfg: PlannerConfig{Blocks: []string{"10.0.0.0/30"}, Strategy: "roundrobin"}},
		{
			name: "Unresolvable excluded address",
			cfg: PlannerConfig{
				Blocks:   []string{"10.0.0.0/30"},
				Excluded: []string{"does-not-resolve.invalid"},
				Strategy: "loadbalance",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, err := NewPlanner(tt.cfg, zap.NewNop(), failingLookup)
			require.Error(t, err)
			assert.Nil(t, planner)
			assert.True(t, core.IsConfigurationError(err), "expected ConfigurationError, got %v", err)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	tests := map[string]Strategy{
		"rotateonban":        RotateOnBan,
		"RotateOnBan":        RotateOnBan,
		" LoadBalance ":      LoadBalance,
		"nanoswitch":         NanoSwitch,
		"RotatingNanoSwitch": RotatingNanoSwitch,
	}
	for name, expected := range tests {
		s, err := ParseStrategy(name)
		require.NoError(t, err, name)
		assert.Equal(t, expected, s, name)
	}

	_, err := ParseStrategy("random")
	assert.True(t, core.IsConfigurationError(err))
}

func TestRotateOnBan_StickyUntilFailing(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{Blocks: []string{"10.0.0.0/30"}, Strategy: "rotateonban"})

	first, err := planner.Next()
	require.NoError(t, err)
	assert.Equal(t, mustAddr("10.0.0.0"), first)

	for i := 0; i < 5; i++ {
		again, err := planner.Next()
		require.NoError(t, err)
		assert.Equal(t, first, again, "address should be reused until marked failing")
	}

	require.True(t, planner.MarkFailing(first, KindPlayback))
	next, err := planner.Next()
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
	assert.Equal(t, mustAddr("10.0.0.1"), next)
}

func TestRotateOnBan_WrapsAfterLastAddress(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	planner := newTestPlanner(t, PlannerConfig{
		Blocks:     []string{"10.0.0.0/30"},
		Strategy:   "rotateonban",
		FailingTTL: time.Hour,
	}, WithClock(clock))

	// Walk the pointer to the last address.
	for _, a := range []string{"10.0.0.0", "10.0.0.1", "10.0.0.2"} {
		current, err := planner.Next()
		require.NoError(t, err)
		require.Equal(t, mustAddr(a), current)
		planner.MarkFailing(current, KindPlayback)
	}

	last, err := planner.Next()
	require.NoError(t, err)
	require.Equal(t, mustAddr("10.0.0.3"), last)

	// Let the earliest marks expire, then fail the last address.
	now = now.Add(2 * time.Hour)
	planner.MarkFailing(last, KindPlayback)

	wrapped, err := planner.Next()
	require.NoError(t, err)
	assert.Equal(t, mustAddr("10.0.0.0"), wrapped)
}

func TestRotateOnBan_AllFailing(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{Blocks: []string{"10.0.0.0/31"}, Strategy: "rotateonban"})

	planner.MarkFailing(mustAddr("10.0.0.0"), KindPlayback)
	planner.MarkFailing(mustAddr("10.0.0.1"), KindPlayback)

	_, err := planner.Next()
	assert.ErrorIs(t, err, ErrNoFreeAddress)
	assert.Equal(t, 2, planner.FailingCount())

	planner.FreeAll()
	_, err = planner.Next()
	assert.NoError(t, err)
}

func TestLoadBalance_NeverReturnsExcluded(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{
		Blocks:   []string{"10.0.0.0/30"},
		Excluded: []string{"10.0.0.1"},
		Strategy: "loadbalance",
	})

	seen := make(map[netip.Addr]int)
	for i := 0; i < 500; i++ {
		addr, err := planner.Next()
		require.NoError(t, err)
		seen[addr]++
	}

	assert.NotContains(t, seen, mustAddr("10.0.0.1"))
	for addr := range seen {
		assert.Contains(t, []netip.Addr{mustAddr("10.0.0.0"), mustAddr("10.0.0.2"), mustAddr("10.0.0.3")}, addr)
	}
}

func TestLoadBalance_SkipsFailing(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{Blocks: []string{"10.0.0.0/30"}, Strategy: "loadbalance"})

	planner.MarkFailing(mustAddr("10.0.0.0"), KindPlayback)
	planner.MarkFailing(mustAddr("10.0.0.2"), KindPlayback)

	for i := 0; i < 200; i++ {
		addr, err := planner.Next()
		require.NoError(t, err)
		assert.NotEqual(t, mustAddr("10.0.0.0"), addr)
		assert.NotEqual(t, mustAddr("10.0.0.2"), addr)
	}
}

func TestLoadBalance_LargePool(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{Blocks: []string{"2001:db8::/64"}, Strategy: "loadbalance"})

	prefix := netip.MustParsePrefix("2001:db8::/64")
	for i := 0; i < 50; i++ {
		addr, err := planner.Next()
		require.NoError(t, err)
		assert.True(t, prefix.Contains(addr))
	}
}

func TestExcludedHostnameResolvedOnce(t *testing.T) {
	calls := 0
	lookup := WithLookup(func(_ context.Context, host string) ([]netip.Addr, error) {
		calls++
		assert.Equal(t, "egress.example", host)
		return []netip.Addr{mustAddr("10.0.0.2")}, nil
	})

	planner := newTestPlanner(t, PlannerConfig{
		Blocks:   []string{"10.0.0.0/30"},
		Excluded: []string{"egress.example"},
		Strategy: "loadbalance",
	}, lookup)

	for i := 0; i < 100; i++ {
		addr, err := planner.Next()
		require.NoError(t, err)
		assert.NotEqual(t, mustAddr("10.0.0.2"), addr)
	}
	assert.Equal(t, 1, calls)
}

func TestNanoSwitch_RotatesAndIgnoresFailures(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{
		Blocks:   []string{"10.0.0.0/30"},
		Excluded: []string{"10.0.0.1"},
		Strategy: "nanoswitch",
	})

	first, err := planner.Next()
	require.NoError(t, err)
	second, err := planner.Next()
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "nano switch should rotate per request")

	assert.False(t, planner.MarkFailing(first, KindPlayback))
	assert.Equal(t, 0, planner.FailingCount())

	seen := make(map[netip.Addr]bool)
	for i := 0; i < 8; i++ {
		addr, err := planner.Next()
		require.NoError(t, err)
		seen[addr] = true
	}
	assert.True(t, seen[mustAddr("10.0.0.1")], "nano switch does not apply the exclusion filter")
}

func TestRotatingNanoSwitch_HonorsExclusionAndFailures(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{
		Blocks:   []string{"10.0.0.0/30"},
		Excluded: []string{"10.0.0.1"},
		Strategy: "rotatingnanoswitch",
	})

	planner.MarkFailing(mustAddr("10.0.0.3"), KindPlayback)

	for i := 0; i < 50; i++ {
		addr, err := planner.Next()
		require.NoError(t, err)
		assert.NotEqual(t, mustAddr("10.0.0.1"), addr)
		assert.NotEqual(t, mustAddr("10.0.0.3"), addr)
	}
}

func TestSearchTriggersFail(t *testing.T) {
	quiet := newTestPlanner(t, PlannerConfig{
		Blocks:             []string{"10.0.0.0/30"},
		Strategy:           "rotateonban",
		SearchTriggersFail: false,
	})
	assert.False(t, quiet.MarkFailing(mustAddr("10.0.0.0"), KindSearch))
	assert.Equal(t, 0, quiet.FailingCount())
	assert.True(t, quiet.MarkFailing(mustAddr("10.0.0.0"), KindPlayback))

	strict := newTestPlanner(t, PlannerConfig{
		Blocks:             []string{"10.0.0.0/30"},
		Strategy:           "rotateonban",
		SearchTriggersFail: true,
	})
	assert.True(t, strict.MarkFailing(mustAddr("10.0.0.0"), KindSearch))
	assert.Equal(t, 1, strict.FailingCount())
}

func TestFailingTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	planner := newTestPlanner(t, PlannerConfig{
		Blocks:     []string{"10.0.0.0/30"},
		Strategy:   "loadbalance",
		FailingTTL: time.Minute,
	}, WithClock(func() time.Time { return now }))

	planner.MarkFailing(mustAddr("10.0.0.0"), KindPlayback)
	assert.Equal(t, 1, planner.FailingCount())

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, planner.FailingCount())

	now = now.Add(time.Minute)
	assert.Equal(t, 0, planner.FailingCount())
}

func TestFree(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{Blocks: []string{"10.0.0.0/30"}, Strategy: "rotateonban"})

	planner.MarkFailing(mustAddr("10.0.0.0"), KindPlayback)
	assert.True(t, planner.Free(mustAddr("10.0.0.0")))
	assert.False(t, planner.Free(mustAddr("10.0.0.0")))
	assert.Equal(t, 0, planner.FailingCount())
}

func TestStatus(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{Blocks: []string{"10.0.0.0/30"}, Strategy: "rotateonban"})
	planner.MarkFailing(mustAddr("10.0.0.0"), KindPlayback)

	status := planner.Status()
	assert.Equal(t, "RotateOnBan", status.Strategy)
	assert.Equal(t, "4", status.TotalAddresses)
	assert.Equal(t, "10.0.0.1", status.CurrentAddress)
	require.Len(t, status.FailingAddresses, 1)
	assert.Equal(t, "10.0.0.0", status.FailingAddresses[0].Address)
	assert.Equal(t, "4", planner.TotalAddresses().String())
}

func TestPlanner_ConcurrentAccess(t *testing.T) {
	planner := newTestPlanner(t, PlannerConfig{Blocks: []string{"10.0.0.0/24"}, Strategy: "rotateonban"})
	prefix := netip.MustParsePrefix("10.0.0.0/24")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				addr, err := planner.Next()
				if err != nil {
					continue
				}
				if !prefix.Contains(addr) {
					t.Errorf("address %s outside pool", addr)
				}
				if j%10 == 0 {
					planner.MarkFailing(addr, KindPlayback)
				}
				_ = planner.FailingCount()
			}
		}()
	}
	wg.Wait()
}
