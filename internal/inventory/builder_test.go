package inventory

import (
	"context"
	"errors"
	"net/netip"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/virsh"
)

func staticList(domains ...virsh.DomainSummary) func(context.Context) ([]virsh.DomainSummary, error) {
	return func(context.Context) ([]virsh.DomainSummary, error) { return domains, nil }
}

func staticResolve(addrs map[string]string) func(context.Context, string) netip.Addr {
	return func(_ context.Context, name string) netip.Addr {
		if a, ok := addrs[name]; ok {
			return netip.MustParseAddr(a)
		}
		return netip.Addr{}
	}
}

func TestBuilderBuild(t *testing.T) {
	b := &Builder{
		List: staticList(
			running("[Ansible] web-1"),
			running("other-vm"),
			stopped("[Ansible] web-2"),
		),
		Resolve:     staticResolve(map[string]string{"[Ansible] web-1": "10.0.0.5", "other-vm": "10.0.0.9"}),
		Concurrency: 4,
	}

	records, err := b.Build(context.Background(), regexp.MustCompile(`^\[Ansible\].+`), "root")
	require.NoError(t, err)
	assert.Equal(t, []VMRecord{{Name: "[Ansible] web-1", Address: "10.0.0.5", User: "root"}}, records)
}

func TestBuilderBuildAbsentAddressAndUser(t *testing.T) {
	b := &Builder{
		List:    staticList(running("a"), running("b")),
		Resolve: staticResolve(map[string]string{"b": "192.168.1.20"}),
	}

	records, err := b.Build(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, []VMRecord{{Name: "a"}, {Name: "b", Address: "192.168.1.20"}}, records)
}

func TestBuilderBuildListError(t *testing.T) {
	boom := errors.New("list domains: unrecognized virsh output")
	var resolved atomic.Int32
	b := &Builder{
		List: func(context.Context) ([]virsh.DomainSummary, error) { return nil, boom },
		Resolve: func(context.Context, string) netip.Addr {
			resolved.Add(1)
			return netip.Addr{}
		},
	}

	records, err := b.Build(context.Background(), nil, "root")
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, records)
	assert.Zero(t, resolved.Load())
}

func TestBuilderBuildNoDomains(t *testing.T) {
	b := &Builder{List: staticList(), Resolve: staticResolve(nil)}
	records, err := b.Build(context.Background(), nil, "root")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBuilderBuildKeepsOrderUnderConcurrency(t *testing.T) {
	var domains []virsh.DomainSummary
	addrs := map[string]string{}
	for i := range 20 {
		name := string(rune('a' + i))
		domains = append(domains, running(name))
		addrs[name] = netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}).String()
	}

	b := &Builder{
		List: staticList(domains...),
		Resolve: func(ctx context.Context, name string) netip.Addr {
			// Later domains finish first.
			time.Sleep(time.Duration(20-int(name[0]-'a')) * time.Millisecond)
			return netip.MustParseAddr(addrs[name])
		},
		Concurrency: 8,
	}

	records, err := b.Build(context.Background(), nil, "")
	require.NoError(t, err)
	require.Len(t, records, 20)
	for i, r := range records {
		assert.Equal(t, domains[i].Name, r.Name)
		assert.Equal(t, addrs[r.Name], r.Address)
	}
}

func TestBuilderBuildRespectsConcurrencyLimit(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	b := &Builder{
		List: staticList(running("a"), running("b"), running("c"), running("d"), running("e")),
		Resolve: func(context.Context, string) netip.Addr {
			mu.Lock()
			inFlight++
			peak = max(peak, inFlight)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return netip.Addr{}
		},
		Concurrency: 1,
	}

	_, err := b.Build(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, peak)
}

func TestBuilderBuildIdempotent(t *testing.T) {
	b := &Builder{
		List:        staticList(running("web-1"), stopped("web-2"), running("web-3")),
		Resolve:     staticResolve(map[string]string{"web-1": "10.0.0.1", "web-3": "10.0.0.3"}),
		Concurrency: 3,
	}
	re := regexp.MustCompile(`^web`)

	first, err := b.Build(context.Background(), re, "ansible")
	require.NoError(t, err)
	second, err := b.Build(context.Background(), re, "ansible")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuilderBuildCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Builder{
		List: staticList(running("a")),
		Resolve: func(context.Context, string) netip.Addr {
			cancel()
			return netip.Addr{}
		},
	}

	_, err := b.Build(ctx, nil, "")
	assert.ErrorIs(t, err, context.Canceled)
}
