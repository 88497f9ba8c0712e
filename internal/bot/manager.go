// Package bot runs the configured bots: one polling session per enabled
// bot, reconciled against the bots.yaml registry by Sync. The manager is
// the only writer of the session map; sessions themselves only read
// their own dependencies.
package bot

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vibetune/config"
	"vibetune/internal/ledger"
	"vibetune/internal/orchestrator"
	"vibetune/internal/prefs"
	"vibetune/internal/registry"
	"vibetune/internal/transport"
)

// Deps carries everything a session needs to answer messages. The
// manager hands the same set to every session it starts.
type Deps struct {
	Registry     *registry.Client
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Store
	Prefs        *prefs.Store
	NewTransport transport.Factory
}

type Manager struct {
	deps     Deps
	botsFile string

	mu       sync.RWMutex
	sessions map[string]*Session

	events       *Broker
	stopWatching chan struct{}
}

func NewManager(botsFile string, deps Deps) *Manager {
	return &Manager{
		deps:         deps,
		botsFile:     botsFile,
		sessions:     make(map[string]*Session),
		events:       NewBroker(),
		stopWatching: make(chan struct{}),
	}
}

// Events exposes the lifecycle event stream for logging and inspection.
func (m *Manager) Events() *Broker {
	return m.events
}

// Start validates the bot against the registry service and launches its
// poll loop. Starting an already-running bot is a no-op. A failed lookup
// aborts only this bot; the caller moves on to the next one.
func (m *Manager) Start(ctx context.Context, cfg config.BotConfig) error {
	m.mu.RLock()
	_, running := m.sessions[cfg.Name]
	m.mu.RUnlock()
	if running {
		return nil
	}

	info, err := m.deps.Registry.LookupBot(ctx, cfg.Token)
	if err != nil {
		return fmt.Errorf("bot %q: registry lookup failed: %w", cfg.Name, err)
	}

	tr := m.deps.NewTransport(cfg.Token)
	session := newSession(cfg, *info, tr, m.deps)

	m.mu.Lock()
	if _, exists := m.sessions[cfg.Name]; exists {
		m.mu.Unlock()
		tr.Close()
		return nil
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	session.cancel = cancel
	m.sessions[cfg.Name] = session
	m.mu.Unlock()

	go session.run(sessionCtx)

	m.events.Publish(newEvent(EventBotStarted, cfg.Name, "@"+info.Username))
	return nil
}

// Stop tears down one bot. Returns false when it was not running;
// teardown itself is best-effort and always leaves the map clean.
func (m *Manager) Stop(name string) bool {
	m.mu.Lock()
	session, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	session.close()
	m.events.Publish(newEvent(EventBotStopped, name, ""))
	return true
}

// Running returns the names of all running bots, sorted.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Started int
	Stopped int
	Running int
	Errors  []string
}

// Sync reconciles running sessions against the bots.yaml registry:
// enabled bots that are not running get started, running bots that are
// no longer enabled get stopped. Syncing an unchanged registry twice
// starts and stops nothing.
func (m *Manager) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	botRegistry, err := config.LoadBotRegistry(m.botsFile)
	if err != nil {
		return result, fmt.Errorf("failed to load bot registry: %w", err)
	}

	desired := make(map[string]config.BotConfig)
	for _, cfg := range botRegistry.Active() {
		desired[cfg.Name] = cfg
	}

	for _, name := range m.Running() {
		if _, keep := desired[name]; !keep {
			if m.Stop(name) {
				result.Stopped++
			}
		}
	}

	for name, cfg := range desired {
		m.mu.RLock()
		_, running := m.sessions[name]
		m.mu.RUnlock()
		if running {
			continue
		}

		if err := m.Start(ctx, cfg); err != nil {
			log.Printf("sync: %v", err)
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Started++
	}

	result.Running = m.RunningCount()
	m.events.Publish(newEvent(EventSyncCompleted, "",
		fmt.Sprintf("started=%d stopped=%d running=%d", result.Started, result.Stopped, result.Running)))
	return result, nil
}

// TriggerResult is the structured outcome of an externally requested
// sync, shaped for the /sync endpoint.
type TriggerResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	BotsBefore int    `json:"bots_before"`
	BotsAfter  int    `json:"bots_after"`
	BotsAdded  int    `json:"bots_added"`
}

// TriggerSync runs Sync on demand and converts any failure, panics
// included, into a structured result instead of propagating it.
func (m *Manager) TriggerSync(ctx context.Context) (result TriggerResult) {
	result.BotsBefore = m.RunningCount()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("sync panicked: %v", r)
			result.BotsAfter = m.RunningCount()
		}
	}()

	syncResult, err := m.Sync(ctx)
	result.BotsAfter = m.RunningCount()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.BotsAdded = syncResult.Started
	result.Message = fmt.Sprintf("sync complete: %d started, %d stopped, %d running",
		syncResult.Started, syncResult.Stopped, syncResult.Running)
	return result
}

// Watch re-syncs whenever bots.yaml changes on disk. Events are
// debounced because editors produce bursts of writes per save.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory, not the file: editors rename over the
	// original, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(m.botsFile)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopWatching:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.botsFile {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					log.Printf("bot registry changed, syncing")
					if _, err := m.Sync(ctx); err != nil {
						log.Printf("sync after config change failed: %v", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher error: %v", err)
			}
		}
	}()

	return nil
}

// Shutdown stops the watcher, every session and the event broker.
func (m *Manager) Shutdown() {
	select {
	case <-m.stopWatching:
	default:
		close(m.stopWatching)
	}

	for _, name := range m.Running() {
		m.Stop(name)
	}
	m.events.Shutdown()
}
