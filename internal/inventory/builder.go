package inventory

import (
	"context"
	"log/slog"
	"net/netip"
	"regexp"

	"golang.org/x/sync/errgroup"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/virsh"
)

// DefaultConcurrency is the number of guest agents queried at once.
const DefaultConcurrency = 4

// VMRecord is one inventory entry.
type VMRecord struct {
	Name string `json:"name" yaml:"name"`
	// Address is the resolved IPv4 address, empty when none was found.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	// User is the connection user, empty when none is configured.
	User string `json:"user,omitempty" yaml:"user,omitempty"`
}

// Builder lists, filters and resolves domains into records.
type Builder struct {
	List        func(ctx context.Context) ([]virsh.DomainSummary, error)
	Resolve     func(ctx context.Context, domain string) netip.Addr
	Concurrency int
	Logger      *slog.Logger
}

// NewBuilder wires a Builder to virsh on the host reached through run.
func NewBuilder(run hostexec.RunFunc, resolver *virsh.Resolver, concurrency int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		List:        virsh.NewLister(run, logger).List,
		Resolve:     resolver.Resolve,
		Concurrency: concurrency,
		Logger:      logger.With("component", "inventory"),
	}
}

// Build returns one record per running domain whose name matches pattern, in
// the order virsh listed them. Only a failed domain listing is an error; a
// domain whose address cannot be resolved gets a record without an address.
func (b *Builder) Build(ctx context.Context, pattern *regexp.Regexp, defaultUser string) ([]VMRecord, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	domains, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := Filter(domains, pattern)
	logger.Info("filtered domains", "listed", len(domains), "matched", len(matched))

	records := make([]VMRecord, len(matched))
	limit := b.Concurrency
	if limit < 1 {
		limit = 1
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, d := range matched {
		g.Go(func() error {
			rec := VMRecord{Name: d.Name, User: defaultUser}
			if ip := b.Resolve(gCtx, d.Name); ip.IsValid() {
				rec.Address = ip.String()
			}
			records[i] = rec
			return nil
		})
	}
	// Resolve never fails, so Wait only reports cancellation of ctx.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var missing int
	for _, r := range records {
		if r.Address == "" {
			missing++
		}
	}
	if missing > 0 {
		logger.Warn("some VMs have no address", "count", missing)
	}
	return records, nil
}
