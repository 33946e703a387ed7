// Package values caches database-sourced allowed values for template
// parameters. Entries are served stale past their TTL while a background
// refresh brings them up to date.
package values

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/datawharf/askdb/agent/pkg/nl2sql"
)

const (
	// DefaultTTL bounds entry freshness.
	DefaultTTL = 600 * time.Second
	// DefaultMaxValues caps the number of values stored per key.
	DefaultMaxValues = 500
)

var (
	tableNameRe  = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)?$`)
	columnNameRe = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

type entry struct {
	mu sync.Mutex

	values     []string
	partial    bool
	loaded     bool
	fetchedAt  time.Time
	refreshing bool
}

// Provider implements nl2sql.ValuesProvider over the SQL executor.
type Provider struct {
	log       *slog.Logger
	exec      nl2sql.Executor
	clock     clockwork.Clock
	ttl       time.Duration
	maxValues int

	mu      sync.Mutex
	entries map[string]*entry

	group singleflight.Group
	wg    sync.WaitGroup
}

// Config for a Provider. Zero values take the package defaults.
type Config struct {
	Logger    *slog.Logger
	Executor  nl2sql.Executor
	Clock     clockwork.Clock
	TTL       time.Duration
	MaxValues int
}

// New builds a Provider.
func New(cfg Config) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxValues <= 0 {
		cfg.MaxValues = DefaultMaxValues
	}
	return &Provider{
		log:       cfg.Logger,
		exec:      cfg.Executor,
		clock:     cfg.Clock,
		ttl:       cfg.TTL,
		maxValues: cfg.MaxValues,
		entries:   make(map[string]*entry),
	}
}

// Get returns the allowed values for (table, column). A nil result with a nil
// error means the values are unavailable and callers should fall back to
// LLM-only validation.
func (p *Provider) Get(ctx context.Context, table, column string) (*nl2sql.ValueSet, error) {
	if !tableNameRe.MatchString(table) || !columnNameRe.MatchString(column) {
		p.log.Warn("rejected allowed-values lookup for invalid identifier", "table", table, "column", column)
		return nil, nil
	}

	key := table + "." + column
	e := p.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		age := p.clock.Since(e.fetchedAt)
		if age <= p.ttl {
			return snapshot(e), nil
		}
		// Serve stale and refresh off the request path.
		if !e.refreshing {
			e.refreshing = true
			p.wg.Add(1)
			go p.refresh(key, table, column)
		}
		return snapshot(e), nil
	}

	values, partial, err := p.load(ctx, table, column)
	if err != nil {
		p.log.Warn("allowed-values load failed", "table", table, "column", column, "error", err)
		return nil, nil
	}
	e.values = values
	e.partial = partial
	e.loaded = true
	e.fetchedAt = p.clock.Now()
	return snapshot(e), nil
}

// Close waits for in-flight background refreshes.
func (p *Provider) Close() {
	p.wg.Wait()
}

func (p *Provider) entry(key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	return e
}

func (p *Provider) refresh(key, table, column string) {
	defer p.wg.Done()

	// singleflight collapses concurrent refreshes for the same key.
	_, _, _ = p.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		values, partial, err := p.load(ctx, table, column)

		e := p.entry(key)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.refreshing = false
		if err != nil {
			p.log.Warn("allowed-values refresh failed", "table", table, "column", column, "error", err)
			return nil, nil
		}
		e.values = values
		e.partial = partial
		e.loaded = true
		e.fetchedAt = p.clock.Now()
		return nil, nil
	})
}

func (p *Provider) load(ctx context.Context, table, column string) (values []string, partial bool, err error) {
	query := fmt.Sprintf("SELECT DISTINCT TOP (%d) [%s] FROM %s ORDER BY [%s]",
		p.maxValues+1, column, table, column)

	result, err := p.exec.Execute(ctx, query)
	if err != nil {
		return nil, false, err
	}

	for _, row := range result.Rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		values = append(values, fmt.Sprintf("%v", v))
	}
	if len(values) > p.maxValues {
		values = values[:p.maxValues]
		partial = true
	}
	return values, partial, nil
}

func snapshot(e *entry) *nl2sql.ValueSet {
	out := make([]string, len(e.values))
	copy(out, e.values)
	return &nl2sql.ValueSet{Values: out, Partial: e.partial}
}
