package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memPositionStore is an in-memory domain.PositionStore with a real
// version compare-and-set.
type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	order     []string

	createErr error
	listErr   error
	// beforeUpdate runs inside UpdateIfVersion before the version check so
	// tests can simulate a concurrent writer.
	beforeUpdate func(id string)
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func (m *memPositionStore) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.positions[pos.ID]; ok {
		return domain.Conflictf("duplicate id %s", pos.ID)
	}
	m.positions[pos.ID] = pos
	m.order = append(m.order, pos.ID)
	return nil
}

func (m *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositionStore) List(_ context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Position
	for _, id := range m.order {
		p, ok := m.positions[id]
		if !ok {
			continue
		}
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.TenantID != "" && p.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
			continue
		}
		if f.Symbol != "" && p.Symbol != f.Symbol {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memPositionStore) UpdateIfVersion(_ context.Context, pos domain.Position, version int64) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(pos.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.positions[pos.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != version {
		return domain.Conflictf("position %s modified concurrently", pos.ID)
	}
	pos.Version = version + 1
	m.positions[pos.ID] = pos
	return nil
}

func (m *memPositionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *memPositionStore) ListOwners(_ context.Context) ([]domain.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[domain.Owner]bool)
	var out []domain.Owner
	for _, id := range m.order {
		p, ok := m.positions[id]
		if !ok || !p.Status.Live() {
			continue
		}
		o := domain.Owner{UserID: p.UserID, TenantID: p.TenantID}
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memPositionStore) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, id := range m.order {
		p, ok := m.positions[id]
		if !ok || !p.Status.Terminal() || p.ClosedAt == nil || !p.ClosedAt.Before(before) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// bump simulates another writer committing in between a read and a write.
func (m *memPositionStore) bump(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.positions[id]
	p.Version++
	m.positions[id] = p
}

type memHistoryStore struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
	err     error
}

func (m *memHistoryStore) Append(_ context.Context, e domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memHistoryStore) ListByPosition(_ context.Context, positionID string) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.HistoryEntry
	for _, e := range m.entries {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memHistoryStore) actions(positionID string) []domain.HistoryAction {
	entries, _ := m.ListByPosition(context.Background(), positionID)
	out := make([]domain.HistoryAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

type memAlertStore struct {
	mu     sync.Mutex
	alerts map[string]domain.Alert
	acks   int
	err    error

	// beforeAck runs inside Acknowledge before the write, under the lock.
	beforeAck func(alerts map[string]domain.Alert)
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{alerts: make(map[string]domain.Alert)}
}

func (m *memAlertStore) Create(_ context.Context, a domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *memAlertStore) GetByID(_ context.Context, id string) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return domain.Alert{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memAlertStore) List(_ context.Context, f domain.AlertFilter) ([]domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Alert
	for _, a := range m.alerts {
		if f.PositionID != "" && a.PositionID != f.PositionID {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memAlertStore) Acknowledge(_ context.Context, id, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeAck != nil {
		m.beforeAck(m.alerts)
	}
	a, ok := m.alerts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Acknowledged {
		return nil
	}
	m.acks++
	a.Acknowledged = true
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = userID
	m.alerts[id] = a
	return nil
}

func (m *memAlertStore) byType(t domain.AlertType) []domain.Alert {
	all, _ := m.List(context.Background(), domain.AlertFilter{Type: t})
	return all
}

type memSummaryStore struct {
	mu        sync.Mutex
	summaries map[domain.Owner]domain.Summary
	upserts   int
}

func newMemSummaryStore() *memSummaryStore {
	return &memSummaryStore{summaries: make(map[domain.Owner]domain.Summary)}
}

func (m *memSummaryStore) Upsert(_ context.Context, s domain.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.summaries[domain.Owner{UserID: s.UserID, TenantID: s.TenantID}] = s
	return nil
}

func (m *memSummaryStore) Get(_ context.Context, userID, tenantID string) (domain.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[domain.Owner{UserID: userID, TenantID: tenantID}]
	if !ok {
		return domain.Summary{}, domain.ErrNotFound
	}
	return s, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	topics []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, evt)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type fakeLocks struct {
	held     bool
	err      error
	acquired int
	released int
}

func (l *fakeLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.acquired++
	return func() { l.released++ }, nil
}

var errBoom = errors.New("boom")

// harness wires a PositionService over in-memory stores.
type harness struct {
	positions *memPositionStore
	history   *memHistoryStore
	alerts    *memAlertStore
	summaries *memSummaryStore
	publisher *recordingPublisher
	notifier  *recordingNotifier

	historySvc *HistoryService
	alertSvc   *AlertService
	summarySvc *SummaryService
	svc        *PositionService
}

func newHarness() *harness {
	h := &harness{
		positions: newMemPositionStore(),
		history:   &memHistoryStore{},
		alerts:    newMemAlertStore(),
		summaries: newMemSummaryStore(),
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	logger := discardLogger()
	h.historySvc = NewHistoryService(h.history, h.positions, logger)
	h.alertSvc = NewAlertService(h.alerts, h.publisher, h.notifier, nil, logger)
	h.summarySvc = NewSummaryService(h.positions, h.summaries, logger)
	h.svc = NewPositionService(h.positions, h.historySvc, h.alertSvc, h.summarySvc,
		h.publisher, nil, DefaultPositionConfig(), logger)
	return h
}
