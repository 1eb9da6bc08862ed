// Package enforcement holds the scheduled jobs that keep billing state
// honest: quota sweeps that heal cached usage and bill overage, trial expiry
// handling, dunning on overdue invoices, and a daily processor sync. Jobs are
// idempotent and safe to rerun; each item is processed in isolation so one
// bad subscription never aborts a sweep.
package enforcement

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/metered/pkg/observability"
)

// RateSnapshot is an immutable view of the overage rate table. Each sweep run
// takes one snapshot up front so every subscription in the run is priced
// against the same rates.
type RateSnapshot struct {
	Currency string
	rates    map[string]decimal.Decimal
}

// UnitCost returns the per-unit overage price for a feature. Features with no
// configured rate cost zero: usage is still healed and recorded, just not
// charged.
func (s *RateSnapshot) UnitCost(feature string) decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	return s.rates[feature]
}

// Features returns the features that carry a configured rate.
func (s *RateSnapshot) Features() []string {
	features := make([]string, 0, len(s.rates))
	for f := range s.rates {
		features = append(features, f)
	}
	return features
}

// rateFile is the on-disk YAML shape. Prices are strings so they parse
// through decimal without float rounding.
type rateFile struct {
	Currency string            `yaml:"currency"`
	Rates    map[string]string `yaml:"rates"`
}

// RateTable holds the current overage rates and reloads them when the
// backing file changes. A failed reload keeps the previous table.
type RateTable struct {
	path string

	mu       sync.RWMutex
	snapshot *RateSnapshot
}

// LoadRateTable reads the rate file and returns a table primed with it.
func LoadRateTable(path string) (*RateTable, error) {
	t := &RateTable{path: path}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewStaticRateTable builds a table that never reloads. Used in tests and
// when no rate file is configured.
func NewStaticRateTable(currency string, rates map[string]decimal.Decimal) *RateTable {
	copied := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &RateTable{snapshot: &RateSnapshot{Currency: currency, rates: copied}}
}

// Snapshot returns the current rates. The returned snapshot never changes
// even if the table reloads mid-sweep.
func (t *RateTable) Snapshot() *RateSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot
}

func (t *RateTable) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read rate file: %w", err)
	}

	var file rateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse rate file: %w", err)
	}
	if file.Currency == "" {
		file.Currency = "usd"
	}

	rates := make(map[string]decimal.Decimal, len(file.Rates))
	for feature, raw := range file.Rates {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("failed to parse rate for %q: %w", feature, err)
		}
		if price.IsNegative() {
			return fmt.Errorf("rate for %q is negative", feature)
		}
		rates[feature] = price
	}

	t.mu.Lock()
	t.snapshot = &RateSnapshot{Currency: file.Currency, rates: rates}
	t.mu.Unlock()
	return nil
}

// Watch reloads the table whenever the rate file is rewritten. It blocks
// until ctx is canceled. Editors and config mounts replace files rather than
// writing in place, so the watch is on the directory.
func (t *RateTable) Watch(ctx context.Context, logger *observability.Logger) error {
	if t.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rate file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("failed to watch rate file directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(t.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := t.reload(); err != nil {
				logger.WithError(err).Error("rate table reload failed, keeping previous rates")
				continue
			}
			logger.WithFields(map[string]interface{}{
				"path": t.path,
			}).Info("rate table reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("rate file watcher error")
		}
	}
}
