package asset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantbridge/config"
	"quantbridge/logger"
	"quantbridge/models"
)

// Fetcher retrieves the current balances of one account. Platform
// drivers implement it over their scheduled REST surface.
type Fetcher interface {
	FetchAssets(ctx context.Context, account string) (*models.AssetSnapshot, error)
}

// Sink receives asset events.
type Sink interface {
	Publish(event models.Event) error
}

type registration struct {
	platform string
	account  string
	fetcher  Fetcher
}

type accountState struct {
	last     *models.AssetSnapshot
	lastEmit time.Time
}

// Poller fetches account balances on a fixed interval and publishes a
// snapshot only when something moved, plus a periodic keepalive so
// consumers can tell an idle account from a dead feed.
type Poller struct {
	cfg  *config.Config
	sink Sink

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	accounts []registration
	states   map[string]*accountState
}

func NewPoller(cfg *config.Config, sink Sink) *Poller {
	return &Poller{
		cfg:    cfg,
		sink:   sink,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		states: make(map[string]*accountState),
	}
}

// Register adds one account to the polling set. Called by the platform
// driver before Start.
func (p *Poller) Register(platform, account string, fetcher Fetcher) {
	p.mu.Lock()
	p.accounts = append(p.accounts, registration{platform: platform, account: account, fetcher: fetcher})
	p.mu.Unlock()
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("asset poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("asset_poller")
	log.WithFields(logger.Fields{
		"accounts": len(p.accounts),
		"interval": p.interval().String(),
	}).Info("starting asset poller")

	p.wg.Add(1)
	go p.loop()

	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("asset_poller").Info("stopping asset poller")
	p.wg.Wait()
	p.log.WithComponent("asset_poller").Info("asset poller stopped")
}

func (p *Poller) interval() time.Duration {
	if p.cfg.Asset.PollInterval > 0 {
		return p.cfg.Asset.PollInterval
	}
	return 10 * time.Second
}

func (p *Poller) staleness() time.Duration {
	if p.cfg.Asset.MaxStaleness > 0 {
		return p.cfg.Asset.MaxStaleness
	}
	return 60 * time.Second
}

func (p *Poller) loop() {
	defer p.wg.Done()

	// First poll right away so consumers see balances at startup.
	p.PollOnce(p.ctx)

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce fetches every registered account and publishes snapshots
// whose balances changed since the previous poll. An unchanged account
// is republished once per staleness window as a keepalive, with
// Changed false.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	accounts := make([]registration, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.Unlock()

	for _, reg := range accounts {
		p.pollAccount(ctx, reg)
	}
}

func (p *Poller) pollAccount(ctx context.Context, reg registration) {
	log := p.log.WithComponent("asset_poller").WithFields(logger.Fields{
		"platform": reg.platform,
		"account":  reg.account,
	})

	snapshot, err := reg.fetcher.FetchAssets(ctx, reg.account)
	if err != nil {
		log.WithError(err).Warn("asset fetch failed")
		return
	}
	if snapshot == nil {
		return
	}
	snapshot.Platform = reg.platform
	snapshot.Account = reg.account
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now()
	}

	p.mu.Lock()
	key := reg.platform + ":" + reg.account
	state, ok := p.states[key]
	if !ok {
		state = &accountState{}
		p.states[key] = state
	}

	changed := state.last == nil || !snapshot.EqualBalances(state.last)
	stale := time.Since(state.lastEmit) >= p.staleness()
	if !changed && !stale {
		state.last = snapshot
		p.mu.Unlock()
		return
	}
	snapshot.Changed = changed
	state.last = snapshot
	state.lastEmit = time.Now()
	p.mu.Unlock()

	event := models.Event{
		Kind:      models.EventKindAsset,
		Platform:  reg.platform,
		Subject:   reg.account,
		Payload:   *snapshot,
		Timestamp: snapshot.Timestamp,
	}
	if err := p.sink.Publish(event); err != nil {
		log.WithError(err).Warn("failed to publish asset snapshot")
		return
	}
	log.WithFields(logger.Fields{
		"currencies": len(snapshot.Balances),
		"changed":    changed,
	}).Debug("asset snapshot published")
}
