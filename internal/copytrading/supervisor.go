package copytrading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"futures_copier/internal/models"
	"futures_copier/internal/notify"

	"golang.org/x/sync/errgroup"
)

// StateStore хранит флаг copy trading между рестартами
type StateStore interface {
	LoadState(ctx context.Context) (models.PersistedState, error)
	SaveState(ctx context.Context, state models.PersistedState) error
}

// Status - снимок состояния сервиса
type Status struct {
	Active      bool                             `json:"active"`
	StartedAt   *time.Time                       `json:"started_at,omitempty"`
	Connections map[string]models.ConnectionInfo `json:"connections"`
	Monitors    []MonitorSnapshot                `json:"monitors"`
}

type monitorHandle struct {
	monitor *Monitor
	cancel  context.CancelFunc
}

// Supervisor запускает и останавливает copy trading
type Supervisor struct {
	accounts   AccountStore
	state      StateStore
	conns      *Connections
	dispatcher *Dispatcher
	notifier   notify.Notifier
	params     Params
	logger     *slog.Logger
	now        func() time.Time

	// Start и Stop не выполняются одновременно
	transition sync.Mutex

	mu        sync.Mutex
	active    bool
	startedAt *time.Time
	monitors  map[string]*monitorHandle
}

func NewSupervisor(
	accounts AccountStore,
	state StateStore,
	conns *Connections,
	dispatcher *Dispatcher,
	notifier notify.Notifier,
	params Params,
	logger *slog.Logger,
) *Supervisor {
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Supervisor{
		accounts:   accounts,
		state:      state,
		conns:      conns,
		dispatcher: dispatcher,
		notifier:   notifier,
		params:     params.withDefaults(),
		logger:     logger,
		now:        time.Now,
		monitors:   make(map[string]*monitorHandle),
	}
}

// Start запускает copy trading. Повторный вызов ничего не делает.
func (s *Supervisor) Start(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	return s.start(ctx, nil)
}

// Resume восстанавливает copy trading, если он был включен до рестарта
func (s *Supervisor) Resume(ctx context.Context) error {
	state, err := s.state.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if !state.CopyingActive {
		s.logger.Info("Copy trading was inactive, not resuming")
		return nil
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	s.logger.Info("♻️ Resuming copy trading")

	return s.start(ctx, state.StartedAt)
}

func (s *Supervisor) start(ctx context.Context, startedAt *time.Time) error {
	if s.IsActive() {
		return nil
	}

	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	var masters, slaves []models.Account
	for _, acc := range accounts {
		if !acc.Active {
			continue
		}
		switch acc.Role {
		case models.RoleMaster:
			masters = append(masters, acc)
		case models.RoleSlave:
			slaves = append(slaves, acc)
		}
	}

	if startedAt == nil {
		now := s.now()
		startedAt = &now
	}

	if err := s.state.SaveState(ctx, models.PersistedState{CopyingActive: true, StartedAt: startedAt}); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.mu.Lock()
	s.active = true
	s.startedAt = startedAt
	s.mu.Unlock()

	if len(masters) == 0 {
		s.logger.Warn("No active master accounts")
	}

	s.connectSlaves(ctx, slaves)

	for _, master := range masters {
		s.startMonitor(ctx, master.ID)
	}

	s.logger.Info("✅ Copy trading started",
		slog.Int("masters", len(masters)),
		slog.Int("slaves", len(slaves)))

	return nil
}

// connectSlaves открывает сессии slave заранее; ошибки видны в Status
func (s *Supervisor) connectSlaves(ctx context.Context, slaves []models.Account) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.params.ConnectConcurrency)

	for _, slave := range slaves {
		g.Go(func() error {
			if _, err := s.conns.Acquire(gctx, slave.ID); err != nil {
				s.logger.Warn("Slave not connected",
					slog.String("slave", slave.ID),
					slog.Any("error", err))
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (s *Supervisor) startMonitor(ctx context.Context, masterID string) {
	handle := func(ctx context.Context, fill models.NormalizedFill) ExecutionResult {
		return s.dispatcher.Dispatch(ctx, masterID, fill)
	}

	monitor := NewMonitor(masterID, s.conns, handle, s.params, s.notifier, s.logger)

	// мониторы живут до Stop, а не до конца ctx вызывающего
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if prev, ok := s.monitors[masterID]; ok {
		monitor.prev = prev.monitor.Done()
	}
	s.monitors[masterID] = &monitorHandle{monitor: monitor, cancel: cancel}
	s.mu.Unlock()

	go monitor.Run(runCtx)
}

// Stop останавливает copy trading и ждет мониторы не дольше ctx. Повторный вызов ничего не делает.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.stop(ctx, true)
}

// Shutdown останавливает работу при выходе процесса, сохраняя флаг для Resume
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.stop(ctx, false)
}

func (s *Supervisor) stop(ctx context.Context, persist bool) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.startedAt = nil
	handles := make(map[string]*monitorHandle, len(s.monitors))
	for id, h := range s.monitors {
		handles[id] = h
	}
	s.mu.Unlock()

	var errs []error

	if persist {
		if err := s.state.SaveState(ctx, models.PersistedState{}); err != nil {
			errs = append(errs, fmt.Errorf("failed to save state: %w", err))
		}
	}

	for _, h := range handles {
		h.cancel()
	}

	for id, h := range handles {
		select {
		case <-h.monitor.Done():
			s.mu.Lock()
			if cur, ok := s.monitors[id]; ok && cur == h {
				delete(s.monitors, id)
			}
			s.mu.Unlock()
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("monitor %s still draining: %w", id, ctx.Err()))
		}
	}

	if err := s.conns.CloseAll(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("🛑 Copy trading stopped")

	return errors.Join(errs...)
}

// IsActive сообщает, включен ли copy trading
func (s *Supervisor) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// Status возвращает снимок состояния без обращения к бирже
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	status := Status{Active: s.active}
	if s.startedAt != nil {
		t := *s.startedAt
		status.StartedAt = &t
	}
	monitors := make([]MonitorSnapshot, 0, len(s.monitors))
	for _, h := range s.monitors {
		monitors = append(monitors, h.monitor.Snapshot())
	}
	s.mu.Unlock()

	sort.Slice(monitors, func(i, j int) bool { return monitors[i].MasterID < monitors[j].MasterID })

	status.Monitors = monitors
	status.Connections = s.conns.Snapshot()

	return status
}
