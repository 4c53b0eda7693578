package trader

import (
	"fmt"
	"sync"
	"time"

	"PerpForge/config"
	"PerpForge/exchange"
	"PerpForge/logger"
	"PerpForge/store"
	"PerpForge/strategy"
)

// Orchestrator creates one trading bot per symbol and supervises them.
// Every bot gets a FRESH strategy list from the factory — strategy
// instances are never shared across symbols — and runs in its own
// goroutine. The health monitor polls bot status; stopping signals every
// bot and joins with a per-bot timeout.
type Orchestrator struct {
	cfg      *config.Manager
	venue    Venue
	st       *store.Store
	registry *exchange.Registry
	factory  *strategy.Factory
	stream   *exchange.PrivateStream
	kill     *KillSwitch

	mu      sync.Mutex
	bots    map[string]*TradingBot
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewOrchestrator wires the supervisor.
func NewOrchestrator(cfg *config.Manager, venue Venue, st *store.Store, registry *exchange.Registry, stream *exchange.PrivateStream) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		venue:    venue,
		st:       st,
		registry: registry,
		factory:  strategy.NewFactory(cfg),
		stream:   stream,
		kill:     NewKillSwitch(st),
		bots:     make(map[string]*TradingBot),
	}
}

// KillSwitch exposes the latch to the control surface.
func (o *Orchestrator) KillSwitch() *KillSwitch { return o.kill }

// Bot returns the bot for symbol, or nil.
func (o *Orchestrator) Bot(symbol string) *TradingBot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bots[symbol]
}

// Status reports each bot's running state.
func (o *Orchestrator) Status() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool, len(o.bots))
	for sym, bot := range o.bots {
		out[sym] = bot.Running()
	}
	return out
}

// Start builds and launches one bot per configured symbol.
func (o *Orchestrator) Start(symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})

	for _, symbol := range symbols {
		bot := NewTradingBot(BotDeps{
			Symbol:     symbol,
			Cfg:        o.cfg,
			Venue:      o.venue,
			Store:      o.st,
			Registry:   o.registry,
			Strategies: o.factory.Build(), // fresh instances per symbol
			Stream:     o.stream,
			Kill:       o.kill,
		})
		o.bots[symbol] = bot

		o.wg.Add(1)
		go func(b *TradingBot) {
			defer o.wg.Done()
			if err := b.Run(); err != nil {
				logger.Errorf("[%s] bot exited with error: %v", b.Symbol(), err)
			}
		}(bot)
	}
	o.mu.Unlock()

	o.wg.Add(1)
	go o.healthMonitor()

	logger.Infof("orchestrator started %d bots: %v", len(symbols), symbols)
	return nil
}

// Stop signals every bot and joins them, bounded per bot.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	bots := make([]*TradingBot, 0, len(o.bots))
	for _, b := range o.bots {
		bots = append(bots, b)
	}
	o.mu.Unlock()

	timeout := o.cfg.GetDuration("orchestrator.stop_timeout", 5*time.Second)
	for _, b := range bots {
		b.Stop(timeout)
	}
	o.wg.Wait()
	logger.Infof("orchestrator stopped")
}

// Running reports supervisor state.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) healthMonitor() {
	defer o.wg.Done()
	interval := o.cfg.GetDuration("orchestrator.health_interval", 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			for symbol, alive := range o.Status() {
				if !alive {
					logger.Warnf("health: bot %s is not running", symbol)
				}
			}
		}
	}
}
