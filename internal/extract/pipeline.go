// Package extract builds the contact and capability indexes by
// driving the automation bridge: one enumeration pass over the
// directory, then a throttled capability probe per distinct canonical
// number.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tgra59/apple-mcp-enhanced/internal/bridge"
	"github.com/tgra59/apple-mcp-enhanced/internal/cache"
	"github.com/tgra59/apple-mcp-enhanced/internal/phone"
)

// Bridge is the slice of the automation bridge the pipeline needs.
type Bridge interface {
	ListContacts(ctx context.Context) ([]bridge.RawContact, error)
	ServiceHandleExists(ctx context.Context, svc bridge.Service, number string) (bool, error)
}

// Options tune probe throttling. A non-positive batch size defaults to
// 10; a negative pause is treated as no pause.
type Options struct {
	BatchSize int
	Pause     time.Duration
	Now       func() time.Time
}

// Pipeline drives a full extraction: enumerate, normalize, probe,
// persist.
type Pipeline struct {
	bridge    Bridge
	store     *cache.Store
	log       *zap.Logger
	batchSize int
	pause     time.Duration
	now       func() time.Time
}

func New(b Bridge, store *cache.Store, log *zap.Logger, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		bridge:    b,
		store:     store,
		log:       log,
		batchSize: opts.BatchSize,
		pause:     opts.Pause,
		now:       opts.Now,
	}
}

// ExtractAll enumerates the directory in one bridge call and parses it
// into contact entries. Entries without a single normalizable phone
// number are dropped; duplicate names collapse last-write-wins. A
// bridge failure aborts the pass: the caller must keep its previous
// snapshot rather than persist partial data.
func (p *Pipeline) ExtractAll(ctx context.Context) ([]cache.ContactEntry, error) {
	raw, err := p.bridge.ListContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}

	now := p.now()
	byKey := make(map[string]cache.ContactEntry)
	var order []string
	for _, rc := range raw {
		entry := cache.ContactEntry{
			Name:        rc.Name,
			LastUpdated: now,
		}
		for _, ph := range rc.Phones {
			if _, ok := phone.Normalize(ph); ok {
				// Platform-native formatting is preserved; only
				// normalizability is checked here.
				entry.PhoneNumbers = append(entry.PhoneNumbers, ph)
			}
		}
		if len(entry.PhoneNumbers) == 0 {
			continue
		}
		entry.Emails = dedupeStrings(rc.Emails, func(s string) string {
			return strings.TrimSpace(strings.ToLower(s))
		})

		key := entry.Key()
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = entry
	}

	entries := make([]cache.ContactEntry, 0, len(byKey))
	for _, key := range order {
		entries = append(entries, byKey[key])
	}
	p.log.Info("directory extracted",
		zap.Int("raw", len(raw)),
		zap.Int("kept", len(entries)))
	return entries, nil
}

// CanonicalNumbers returns the sorted set of distinct canonical
// numbers across the given entries.
func CanonicalNumbers(entries []cache.ContactEntry) []string {
	seen := make(map[string]struct{})
	for _, e := range entries {
		for _, ph := range e.PhoneNumbers {
			if canon, ok := phone.Normalize(ph); ok {
				seen[canon] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ProbeCapabilities classifies every number, batched with an
// inter-batch pause to bound bridge load. A failed probe is absorbed
// as unknown at probe-error confidence rather than aborting the batch:
// capability data is advisory, the contact index is not.
func (p *Pipeline) ProbeCapabilities(ctx context.Context, numbers []string) []cache.CapabilityRecord {
	records := make([]cache.CapabilityRecord, 0, len(numbers))
	for i, n := range numbers {
		if i > 0 && i%p.batchSize == 0 && p.pause > 0 {
			select {
			case <-time.After(p.pause):
			case <-ctx.Done():
				// Remaining numbers get probe-error records so the
				// snapshot still covers every extracted number.
				for _, rest := range numbers[i:] {
					records = append(records, cache.NewFailedProbeRecord(rest, p.now()))
				}
				return records
			}
		}
		records = append(records, p.ProbeNumber(ctx, n))
	}
	return records
}

// ProbeNumber classifies one canonical number: iMessage association,
// then SMS association, then the static country-code heuristic. Probe
// errors are absorbed into the record itself.
func (p *Pipeline) ProbeNumber(ctx context.Context, number string) cache.CapabilityRecord {
	now := p.now()

	ok, err := p.bridge.ServiceHandleExists(ctx, bridge.ServiceIMessage, number)
	if err != nil {
		p.log.Warn("capability probe failed", zap.String("number", number), zap.Error(err))
		return cache.NewFailedProbeRecord(number, now)
	}
	if ok {
		return cache.NewCapabilityRecord(number, cache.ClassificationIMessage, now)
	}

	ok, err = p.bridge.ServiceHandleExists(ctx, bridge.ServiceSMS, number)
	if err != nil {
		p.log.Warn("capability probe failed", zap.String("number", number), zap.Error(err))
		return cache.NewFailedProbeRecord(number, now)
	}
	if ok {
		return cache.NewCapabilityRecord(number, cache.ClassificationSMS, now)
	}

	return cache.NewHeuristicRecord(number, now)
}

// Refresh performs one full extraction pass and persists the result.
// On any extraction error nothing is written and the previous snapshot
// stays in place.
func (p *Pipeline) Refresh(ctx context.Context) (*cache.Snapshot, error) {
	start := p.now()
	entries, err := p.ExtractAll(ctx)
	if err != nil {
		return nil, err
	}
	numbers := CanonicalNumbers(entries)
	records := p.ProbeCapabilities(ctx, numbers)

	snap := cache.BuildSnapshot(entries, records, p.now())
	if err := p.store.Save(snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	p.log.Info("cache refreshed",
		zap.Int("contacts", snap.Meta.ContactCount),
		zap.Int("numbers", snap.Meta.NumberCount),
		zap.Duration("elapsed", time.Since(start)))
	return snap, nil
}

func dedupeStrings(s []string, normalize func(string) string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(s))
	for _, v := range s {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
