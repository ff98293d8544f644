// Package manager is the composition root: it wires the store, event bus,
// upstream client and every subsystem, and owns their lifecycle.
package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowbridge/snowbridge/pkg/api"
	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/eventbus"
	"github.com/snowbridge/snowbridge/pkg/hybrid"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/notify"
	"github.com/snowbridge/snowbridge/pkg/rules"
	"github.com/snowbridge/snowbridge/pkg/sla"
	"github.com/snowbridge/snowbridge/pkg/storage"
	"github.com/snowbridge/snowbridge/pkg/syncengine"
	"github.com/snowbridge/snowbridge/pkg/transport/socket"
	"github.com/snowbridge/snowbridge/pkg/transport/stream"
	"github.com/snowbridge/snowbridge/pkg/types"
	"github.com/snowbridge/snowbridge/pkg/upstream"
)

// Manager owns every subsystem of a snowbridge instance.
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	store  storage.Store
	bus    eventbus.Bus
	client *upstream.Client

	hybrid *hybrid.Service
	sync   *syncengine.Engine
	sla    *sla.Engine
	rules  *rules.Engine
	queue  *notify.Queue
	hub    *socket.Hub
	stream *stream.Server
	api    *api.Server

	cancel    context.CancelFunc
	heartbeat *time.Ticker
	doneCh    chan struct{}
}

// New builds and wires a Manager. The store and the event bus must be
// reachable; anything else degrades at runtime instead of failing here.
func New(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	metrics.RegisterComponent("store", true, "")

	bus, err := newBus(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	metrics.RegisterComponent("event-bus", true, "")

	creds := newCredentials(cfg)
	client := upstream.NewClient(cfg.Upstream, cfg.MaxRetries, creds)

	hybridSvc := hybrid.NewService(store, bus, client, cfg.EnableSLACollection)
	syncEngine := syncengine.NewEngine(store, bus, client, cfg)
	slaEngine := sla.NewEngine(store, bus, cfg.BusinessHours, cfg.SLACheckInterval)
	rulesEngine := rules.NewEngine()
	queue := notify.NewQueue(store, bus, cfg)
	hub := socket.NewHub(cfg.TransportLimits)
	streamSrv := stream.NewServer(cfg.TransportLimits)

	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
		store:  store,
		bus:    bus,
		client: client,
		hybrid: hybridSvc,
		sync:   syncEngine,
		sla:    slaEngine,
		rules:  rulesEngine,
		queue:  queue,
		hub:    hub,
		stream: streamSrv,
		api:    api.NewServer(hybridSvc, slaEngine, syncEngine, hub, streamSrv),
	}
	m.wire()
	return m, nil
}

// newBus picks Redis streams when an address is configured, otherwise the
// in-process broker.
func newBus(cfg *config.Config) (eventbus.Bus, error) {
	if cfg.RedisAddr == "" {
		return eventbus.NewBroker(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eventbus.NewRedisBus(ctx, cfg.RedisAddr)
}

func newCredentials(cfg *config.Config) upstream.CredentialSource {
	if cfg.Upstream.Token != "" {
		return upstream.NewTokenCredentials(cfg.Upstream.Token, nil)
	}
	return &upstream.BasicCredentials{
		Username: cfg.Upstream.Username,
		Password: cfg.Upstream.Password,
	}
}

// wire connects the subsystems: lifecycle listeners, rule actions, queue
// channels and the change-event front-end.
func (m *Manager) wire() {
	m.hybrid.AddListener(m.sla)
	m.hybrid.AddListener(m.rules)

	m.rules.RegisterAction(rules.ActionSendNotification, func(ctx context.Context, ticket *types.Ticket, params map[string]string) error {
		n := &types.Notification{
			Type:     types.NotifyTaskUpdated,
			Title:    params["title"],
			Message:  params["message"],
			Priority: types.PriorityMedium,
			Source:   "rules",
			TicketID: ticket.SysID,
			Data:     map[string]string{"table": string(ticket.Table)},
		}
		return m.queue.Enqueue(n, []types.Channel{types.ChannelSocket, types.ChannelStream})
	})
	m.rules.RegisterAction(rules.ActionSetField, func(ctx context.Context, ticket *types.Ticket, params map[string]string) error {
		_, err := m.client.Update(ctx, string(ticket.Table), ticket.SysID,
			map[string]string{params["field"]: params["value"]})
		return err
	})
	m.rules.RegisterAction(rules.ActionAssign, func(ctx context.Context, ticket *types.Ticket, params map[string]string) error {
		_, err := m.client.Update(ctx, string(ticket.Table), ticket.SysID,
			map[string]string{"assignment_group": params["group"]})
		return err
	})
	m.rules.RegisterAction(rules.ActionEscalate, func(ctx context.Context, ticket *types.Ticket, params map[string]string) error {
		n := &types.Notification{
			Type:     types.NotifyTaskCritical,
			Title:    "escalation: " + ticket.Number,
			Message:  params["reason"],
			Priority: types.PriorityCritical,
			Source:   "rules",
			TicketID: ticket.SysID,
			Data:     map[string]string{"table": string(ticket.Table)},
		}
		return m.queue.Enqueue(n, []types.Channel{types.ChannelSocket, types.ChannelStream, types.ChannelPush})
	})
	m.rules.RegisterAction(rules.ActionCreateTask, func(ctx context.Context, ticket *types.Ticket, params map[string]string) error {
		fields := map[string]string{
			"short_description": params["short_description"],
			"parent":            ticket.SysID,
		}
		_, err := m.client.Create(ctx, params["table"], fields)
		return err
	})

	m.queue.RegisterChannel(types.ChannelSocket, m.hub.Deliver)
	m.queue.RegisterChannel(types.ChannelStream, m.stream.Deliver)
}

// Start brings every subsystem up and runs the initial full sync in the
// background.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.doneCh = make(chan struct{})

	if path := os.Getenv("SNOWBRIDGE_RULES"); path != "" {
		loaded, err := rules.LoadRules(path)
		if err != nil {
			return err
		}
		m.rules.Reload(loaded)
	}
	if err := m.sla.SeedContracts(m.cfg.EnabledTables, m.cfg.PrioritySLAHours); err != nil {
		return err
	}

	if err := m.queue.Start(ctx); err != nil {
		return err
	}
	m.sla.Start(ctx)
	m.sync.Start(ctx)

	// change events feed the notification queue front-end
	if m.cfg.EnableRealTimeUpdates {
		for _, table := range m.cfg.EnabledTables {
			go m.consumeChanges(ctx, table)
		}
		go m.consumeBreaches(ctx)
	}

	go func() {
		m.logger.Info().Msg("initial full sync starting")
		m.sync.RunFull(ctx)
	}()

	m.heartbeat = time.NewTicker(m.cfg.TransportLimits.HeartbeatInterval)
	go func() {
		defer close(m.doneCh)
		for {
			select {
			case <-m.heartbeat.C:
				m.hub.Heartbeat()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := m.api.Start(m.cfg.ListenAddr); err != nil {
			m.logger.Error().Err(err).Msg("api server failed")
		}
	}()

	m.logger.Info().Str("addr", m.cfg.ListenAddr).Msg("snowbridge started")
	return nil
}

// consumeChanges turns change events on a table stream into notifications.
func (m *Manager) consumeChanges(ctx context.Context, table types.Table) {
	err := m.bus.Consume(ctx, table.StreamName(), "notify", "manager", func(ctx context.Context, ev *types.ChangeEvent) error {
		nType := types.NotifyTaskUpdated
		if ev.Action == types.ActionCreated {
			nType = types.NotifyTaskCreated
		}
		n := &types.Notification{
			Type:     nType,
			Title:    fmt.Sprintf("%s %s", table, ev.Action),
			Priority: types.PriorityMedium,
			Source:   "sync",
			TicketID: ev.SysID,
			Data:     map[string]string{"table": string(table)},
		}
		if err := m.queue.Enqueue(n, []types.Channel{types.ChannelSocket, types.ChannelStream}); err != nil {
			m.logger.Debug().Err(err).Str("sys_id", ev.SysID).Msg("change notification dropped")
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Error().Err(err).Str("table", string(table)).Msg("change consumer stopped")
	}
}

// consumeBreaches turns breach events into critical notifications.
func (m *Manager) consumeBreaches(ctx context.Context) {
	err := m.bus.Consume(ctx, eventbus.StreamSLA, "notify", "manager", func(ctx context.Context, ev *types.ChangeEvent) error {
		n := &types.Notification{
			Type:     types.NotifySLABreach,
			Title:    "SLA breached",
			Priority: types.PriorityCritical,
			Source:   "sla",
			TicketID: ev.SysID,
		}
		if err := m.queue.Enqueue(n, []types.Channel{types.ChannelSocket, types.ChannelStream, types.ChannelPush}); err != nil {
			m.logger.Warn().Err(err).Str("sys_id", ev.SysID).Msg("breach notification dropped")
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Error().Err(err).Msg("breach consumer stopped")
	}
}

// Stop shuts the subsystems down in reverse dependency order.
func (m *Manager) Stop() {
	m.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.api.Stop(shutdownCtx); err != nil {
		m.logger.Warn().Err(err).Msg("api shutdown incomplete")
	}

	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.doneCh != nil {
		<-m.doneCh
	}

	m.sync.Stop()
	m.sla.Stop()
	m.queue.Stop()

	if err := m.bus.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("event bus close failed")
	}
	if err := m.store.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("store close failed")
	}
	m.logger.Info().Msg("shutdown complete")
}

// RunFullSync executes one full extraction pass and returns when done.
func (m *Manager) RunFullSync(ctx context.Context) {
	m.sync.RunFull(ctx)
}

// RunIncrementalSync executes one incremental pass and returns when done.
func (m *Manager) RunIncrementalSync(ctx context.Context) {
	m.sync.RunIncremental(ctx)
}
