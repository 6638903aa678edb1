package knowledgebase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrNotLoaded is returned by Current before the first successful refresh.
var ErrNotLoaded = errors.New("knowledge base not loaded")

// Provider serves the current KnowledgeBase and swaps in new versions on refresh.
// Readers take one snapshot per assessment; a swap never touches a snapshot
// already handed out.
type Provider struct {
	source   Source
	current  atomic.Pointer[KnowledgeBase]
	loadedAt atomic.Pointer[time.Time]
	logger   *logrus.Logger

	mu      sync.Mutex // serializes refreshes and schedule changes
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewProvider creates a provider for source. Call Refresh before Current.
func NewProvider(source Source, logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{source: source, logger: logger}
}

// NewStaticProvider wraps an already built knowledge base. Refresh on a static
// provider is a no-op.
func NewStaticProvider(kb *KnowledgeBase) *Provider {
	p := &Provider{logger: logrus.New()}
	p.store(kb)
	return p
}

// Current returns the active knowledge base.
func (p *Provider) Current() (*KnowledgeBase, error) {
	kb := p.current.Load()
	if kb == nil {
		return nil, ErrNotLoaded
	}
	return kb, nil
}

// LoadedAt reports when the active version was installed.
func (p *Provider) LoadedAt() time.Time {
	if t := p.loadedAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// SourceName describes where datasets come from.
func (p *Provider) SourceName() string {
	if p.source == nil {
		return "static"
	}
	return p.source.Name()
}

// Refresh fetches a dataset, builds a new knowledge base and installs it. On
// failure the previous version stays active.
func (p *Provider) Refresh(ctx context.Context) (*KnowledgeBase, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		return p.Current()
	}

	start := time.Now()
	ds, err := p.source.Fetch(ctx)
	if err != nil {
		p.logger.WithError(err).WithField("source", p.source.Name()).Error("Failed to fetch knowledge base dataset")
		return nil, fmt.Errorf("fetching dataset from %s: %w", p.source.Name(), err)
	}
	kb, err := New(ds, p.logger)
	if err != nil {
		p.logger.WithError(err).WithField("source", p.source.Name()).Error("Rejected knowledge base dataset")
		return nil, fmt.Errorf("building knowledge base: %w", err)
	}

	previous := p.current.Load()
	p.store(kb)

	fields := logrus.Fields{
		"source":      p.source.Name(),
		"version":     kb.Version(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if previous != nil {
		fields["previous_version"] = previous.Version()
	}
	p.logger.WithFields(fields).Info("Knowledge base refreshed")
	return kb, nil
}

// StartSchedule refreshes on a standard five-field cron schedule until Stop.
func (p *Provider) StartSchedule(spec string) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron == nil {
		p.cron = cron.New()
		p.cron.Start()
	} else {
		p.cron.Remove(p.entryID)
	}
	p.entryID = p.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := p.Refresh(ctx); err != nil {
			p.logger.WithError(err).Warn("Scheduled knowledge base refresh failed")
		}
	}))
	p.logger.WithField("schedule", spec).Info("Knowledge base refresh scheduled")
	return nil
}

// Stop halts scheduled refreshes and waits for a running one to finish.
func (p *Provider) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (p *Provider) store(kb *KnowledgeBase) {
	now := time.Now().UTC()
	p.current.Store(kb)
	p.loadedAt.Store(&now)
}
