// Package replicator drives one or more replication sets end to end:
// discovery, version grouping, extraction, and per-destination apply,
// isolating failures so one bad destination never aborts another
// (spec.md §4.3).
package replicator

import (
	"context"
	"fmt"
	"sort"

	"github.com/snapflowio/mssql-replicator/apply"
	"github.com/snapflowio/mssql-replicator/catalog"
	"github.com/snapflowio/mssql-replicator/config"
	"github.com/snapflowio/mssql-replicator/extract"
	"github.com/snapflowio/mssql-replicator/internal/mssql"
	"github.com/snapflowio/mssql-replicator/logger"
	"github.com/snapflowio/mssql-replicator/syncinfo"
)

var log = logger.Named("replicator")

// Connector runs every configured replication set and reports the
// aggregate outcome. It never returns an error itself — failures are
// accumulated per destination in the returned Result (spec.md §4.3
// "never aborts the loop").
type Connector interface {
	Run(ctx context.Context) Result
}

// DestinationResult is the outcome of applying one group's ChangeBatch
// to one destination.
type DestinationResult struct {
	Destination string
	Applied     int
	Err         error
}

// SetResult is the outcome of running one replication set.
type SetResult struct {
	Set          string
	Destinations []DestinationResult
	Err          error // set-level failure: source connection or discovery
}

// Errored reports whether this set's run had any failure at all.
func (r SetResult) Errored() bool {
	if r.Err != nil {
		return true
	}
	for _, d := range r.Destinations {
		if d.Err != nil {
			return true
		}
	}
	return false
}

// Result is the aggregate outcome of one Run call.
type Result struct {
	Errored    bool
	SetResults []SetResult
}

// Option configures a connector.
type Option func(*connector)

// WithDryRun makes every destination in every configured set run in
// dry-run mode: DML and SyncInfo advancement are logged, never executed.
func WithDryRun(dryRun bool) Option {
	return func(c *connector) { c.dryRun = dryRun }
}

// Dialer opens a Gateway for a database endpoint's connection string.
type Dialer func(ctx context.Context, dsn string) (*mssql.Gateway, error)

// WithDialer overrides how the connector opens connections. Defaults to
// mssql.Open.
func WithDialer(d Dialer) Option {
	return func(c *connector) { c.dial = d }
}

type connector struct {
	sets   []config.ReplicationSet
	dryRun bool
	dial   Dialer
}

// New builds a Connector for a single replication set.
func New(cfg config.ReplicationSet, opts ...Option) (Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("replicator: invalid replication set: %w", err)
	}
	return NewMulti([]config.ReplicationSet{cfg}, opts...), nil
}

// NewMulti builds a Connector that runs every set in cfg, in declaration
// order (spec.md §4.3).
func NewMulti(cfg []config.ReplicationSet, opts ...Option) Connector {
	c := &connector{sets: cfg, dial: mssql.Open}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes every configured set in order and aggregates the result.
// A failure in one set never prevents the next set from running.
func (c *connector) Run(ctx context.Context) Result {
	result := Result{SetResults: make([]SetResult, 0, len(c.sets))}

	for _, set := range c.sets {
		setResult := c.runSet(ctx, set)
		if setResult.Errored() {
			result.Errored = true
		}
		result.SetResults = append(result.SetResults, setResult)
	}

	return result
}

// runSet implements spec.md §4.3 steps 1-4 for a single replication set.
func (c *connector) runSet(ctx context.Context, set config.ReplicationSet) SetResult {
	sourceGw, err := c.dial(ctx, set.Source.ConnectionString)
	if err != nil {
		log.Error("failed to connect to source", "set", set.Name, "error", err)
		return SetResult{Set: set.Name, Err: fmt.Errorf("connect source: %w", err)}
	}
	defer sourceGw.Close()

	discoverer := catalog.NewDiscoverer(sourceGw)
	tables, err := discoverer.Discover(ctx, set.Name)
	if err != nil {
		log.Error("metadata discovery failed", "set", set.Name, "error", err)
		return SetResult{Set: set.Name, Err: err}
	}

	tables = filterTables(tables, set)
	if len(tables) == 0 {
		log.Warn("no replicable tables after allowlist filter, skipping set", "set", set.Name)
		return SetResult{Set: set.Name}
	}

	groups, destResults := c.groupByVersion(ctx, set)

	allResults := make([]DestinationResult, 0, len(set.Destinations))
	allResults = append(allResults, destResults...) // destinations already dropped (Unavailable)

	extractor := extract.NewExtractor(sourceGw)

	for _, version := range sortedVersions(groups) {
		destinations := groups[version]

		batch, err := extractor.Extract(ctx, version, tables)
		if err != nil {
			log.Error("extraction failed for group", "set", set.Name, "baseline", version,
				"destinations", destinationNames(destinations), "error", err)
			for _, d := range destinations {
				allResults = append(allResults, DestinationResult{Destination: d.Name, Err: err})
			}
			continue
		}

		for _, dest := range destinations {
			allResults = append(allResults, c.applyToDestination(ctx, dest, batch))
		}
	}

	return SetResult{Set: set.Name, Destinations: allResults}
}

// groupByVersion opens every destination, reads its current version via
// syncinfo.Tracker, drops Unavailable destinations (recorded as errored
// results), and groups the rest by exact version value (spec.md §4.3
// step 3).
func (c *connector) groupByVersion(ctx context.Context, set config.ReplicationSet) (map[int64][]config.DatabaseEndpoint, []DestinationResult) {
	groups := make(map[int64][]config.DatabaseEndpoint)
	var dropped []DestinationResult

	for _, dest := range set.Destinations {
		gw, err := c.dial(ctx, dest.ConnectionString)
		if err != nil {
			log.Error("failed to connect to destination", "destination", dest.Name, "error", err)
			dropped = append(dropped, DestinationResult{Destination: dest.Name, Err: fmt.Errorf("connect: %w", err)})
			continue
		}

		tracker := syncinfo.NewTracker(gw, c.dryRun)
		version := tracker.CurrentVersion(ctx)
		gw.Close()

		if version == syncinfo.Unavailable {
			dropped = append(dropped, DestinationResult{Destination: dest.Name, Err: fmt.Errorf("version unavailable")})
			continue
		}

		groups[version] = append(groups[version], dest)
	}

	return groups, dropped
}

func (c *connector) applyToDestination(ctx context.Context, dest config.DatabaseEndpoint, batch *extract.ChangeBatch) DestinationResult {
	gw, err := c.dial(ctx, dest.ConnectionString)
	if err != nil {
		return DestinationResult{Destination: dest.Name, Err: fmt.Errorf("connect: %w", err)}
	}
	defer gw.Close()

	applier := apply.New(dest.Name, gw, c.dryRun)
	if err := applier.Apply(ctx, batch); err != nil {
		log.Error("apply failed", "destination", dest.Name, "error", err)
		return DestinationResult{Destination: dest.Name, Err: err}
	}

	return DestinationResult{Destination: dest.Name, Applied: len(batch.Records)}
}

// filterTables drops tables with no key columns (spec.md §4.1) and
// tables excluded by the set's allowlist (spec.md §3).
func filterTables(tables []catalog.TableDescriptor, set config.ReplicationSet) []catalog.TableDescriptor {
	out := make([]catalog.TableDescriptor, 0, len(tables))
	for _, t := range tables {
		if !t.HasKey() {
			log.Warn("dropping table with no key columns", "table", t.QualifiedName)
			continue
		}
		if !set.TableAllowed(t.TableName) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func sortedVersions(groups map[int64][]config.DatabaseEndpoint) []int64 {
	versions := make([]int64, 0, len(groups))
	for v := range groups {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

func destinationNames(dests []config.DatabaseEndpoint) []string {
	names := make([]string, len(dests))
	for i, d := range dests {
		names[i] = d.Name
	}
	return names
}
