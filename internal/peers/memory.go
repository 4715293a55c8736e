package peers

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/northpolesec/santa-sub002/internal/syncproto"
)

// MemoryRuleStore is an in-process RuleStore used when no privileged daemon
// is attached, and as a fixture in tests. It applies the same batched
// add-with-cleanup contract the real database does.
type MemoryRuleStore struct {
	mu sync.Mutex

	rules   map[string]syncproto.Rule
	faRules map[string]syncproto.FileAccessRule
	mode    syncproto.ClientMode
	pending syncproto.SyncType
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules:   make(map[string]syncproto.Rule),
		faRules: make(map[string]syncproto.FileAccessRule),
		mode:    syncproto.ClientModeMonitor,
	}
}

func (m *MemoryRuleStore) AddRules(_ context.Context, rules []syncproto.Rule,
	faRules []syncproto.FileAccessRule, cleanup syncproto.RuleCleanup, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cleanup {
	case syncproto.RuleCleanupNone:
	default:
		// Everything in this store came from the sync server, so both
		// cleanup flavors clear it before the batch lands.
		m.rules = make(map[string]syncproto.Rule)
		m.faRules = make(map[string]syncproto.FileAccessRule)
	}

	for _, r := range rules {
		if r.Policy == syncproto.PolicyRemove {
			delete(m.rules, r.Identifier)
			continue
		}
		m.rules[r.Identifier] = r
	}
	for _, r := range faRules {
		m.faRules[r.Name] = r
	}

	logrus.WithFields(logrus.Fields{
		"rules":   len(rules),
		"source":  source,
		"cleanup": int(cleanup),
	}).Debugln("Applied rule batch")

	// A pending clean sync is satisfied once a batch lands.
	m.pending = syncproto.SyncTypeNormal
	return nil
}

func (m *MemoryRuleStore) RuleCounts(context.Context) (syncproto.RuleCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts syncproto.RuleCounts
	for _, r := range m.rules {
		if r.Policy == syncproto.PolicyAllowlistCompiler {
			counts.Compiler++
			continue
		}
		switch r.RuleType {
		case syncproto.RuleTypeBinary:
			counts.Binary++
		case syncproto.RuleTypeCertificate:
			counts.Certificate++
		case syncproto.RuleTypeTeamID:
			counts.TeamID++
		case syncproto.RuleTypeSigningID:
			counts.SigningID++
		case syncproto.RuleTypeCDHash:
			counts.CDHash++
		}
	}
	return counts, nil
}

func (m *MemoryRuleStore) ClientMode(context.Context) (syncproto.ClientMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, nil
}

func (m *MemoryRuleStore) PendingSyncType(context.Context) (syncproto.SyncType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending, nil
}

// SetClientMode updates the mode reported at the next preflight.
func (m *MemoryRuleStore) SetClientMode(mode syncproto.ClientMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// RequireSyncType marks a sync type the next sync must use.
func (m *MemoryRuleStore) RequireSyncType(t syncproto.SyncType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = t
}

// RuleCount returns the number of stored execution rules.
func (m *MemoryRuleStore) RuleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rules)
}

// MemoryEventStore queues execution events in memory until a sync uploads
// and purges them.
type MemoryEventStore struct {
	mu     sync.Mutex
	nextID int64
	events []syncproto.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{nextID: 1}
}

// Add queues one event, assigning its local ID.
func (m *MemoryEventStore) Add(ev syncproto.Event) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = m.nextID
	m.nextID++
	m.events = append(m.events, ev)
	return ev.ID
}

func (m *MemoryEventStore) PendingEvents(_ context.Context, limit int) ([]syncproto.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]syncproto.Event, limit)
	copy(out, m.events[:limit])
	return out, nil
}

func (m *MemoryEventStore) RemoveEvents(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.events[:0]
	for _, ev := range m.events {
		if !drop[ev.ID] {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

// Len returns the number of queued events.
func (m *MemoryEventStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// LogResultSink logs each completed sync and remembers the most recent
// result.
type LogResultSink struct {
	mu   sync.Mutex
	last *SyncResult
}

func NewLogResultSink() *LogResultSink { return &LogResultSink{} }

func (l *LogResultSink) SyncCompleted(_ context.Context, result SyncResult) error {
	l.mu.Lock()
	l.last = &result
	l.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"syncType":       result.Type.String(),
		"rulesReceived":  result.RulesReceived,
		"rulesProcessed": result.RulesProcessed,
	}).Infoln("Sync completed")
	return nil
}

// Last returns the most recent result, or nil before the first sync.
func (l *LogResultSink) Last() *SyncResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
