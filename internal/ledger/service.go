// Package ledger implements the append-only audit trail: an in-memory
// index over daily JSONL log files. Events are never overwritten or
// deleted.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// MaxQueryLimit caps one page of query results.
const MaxQueryLimit = 1000

// DefaultQueryLimit applies when the caller leaves limit unset.
const DefaultQueryLimit = 100

var (
	// ErrMissingAction is returned for events without an action.
	ErrMissingAction = errors.New("ledger: event requires an action")
	// ErrMissingCorrelation is returned for events without a correlation id.
	ErrMissingCorrelation = errors.New("ledger: event requires a correlation_id")
	// ErrMissingActor is returned when no identity field is set. Events at
	// level "none" still must carry identity.
	ErrMissingActor = errors.New("ledger: event requires an actor identity")
)

// Service records and queries audit events. The mutex guards only the file
// handle and the sequence counters; the in-memory index is append-only.
type Service struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	fileDay string

	events    []*v1.LedgerEvent
	byID      map[string]*v1.LedgerEvent
	byCorr    map[string][]*v1.LedgerEvent
	sequences map[string]int64

	logger *logger.Logger
}

// NewService opens (or creates) the ledger directory and loads today's file
// into the index so sequence numbering continues across restarts.
func NewService(dir string, log *logger.Logger) (*Service, error) {
	if dir == "" {
		dir = "ledger"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	s := &Service{
		dir:       dir,
		byID:      make(map[string]*v1.LedgerEvent),
		byCorr:    make(map[string][]*v1.LedgerEvent),
		sequences: make(map[string]int64),
		logger:    log.WithFields(zap.String("component", "ledger")),
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadExisting replays every daily file in the directory into the index,
// oldest first.
func (s *Service) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var ev v1.LedgerEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				s.logger.Warn("skipping malformed ledger line",
					zap.String("file", name), zap.Error(err))
				continue
			}
			s.indexLocked(&ev)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
	}

	if len(s.events) > 0 {
		s.logger.Info("ledger loaded", zap.Int("events", len(s.events)))
	}
	return nil
}

func (s *Service) indexLocked(ev *v1.LedgerEvent) {
	s.events = append(s.events, ev)
	s.byID[ev.ID] = ev
	s.byCorr[ev.CorrelationID] = append(s.byCorr[ev.CorrelationID], ev)
	if ev.SequenceNum > s.sequences[ev.CorrelationID] {
		s.sequences[ev.CorrelationID] = ev.SequenceNum
	}
}

// Record validates, stamps, appends, and indexes the event. Levels
// "action" and "full" are flushed to disk before Record returns.
func (s *Service) Record(ev *v1.LedgerEvent) (*v1.LedgerEvent, error) {
	if ev.Action == "" {
		return nil, ErrMissingAction
	}
	if ev.CorrelationID == "" {
		return nil, ErrMissingCorrelation
	}
	if ev.Actor.UserID == "" && ev.Actor.AgentID == "" && ev.Actor.Role == "" {
		return nil, ErrMissingActor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ev.ID = uuid.New().String()
	ev.RecordedAt = now
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	if ev.LedgerLevel == "" {
		ev.LedgerLevel = v1.LedgerLevelDecision
	}
	s.sequences[ev.CorrelationID]++
	ev.SequenceNum = s.sequences[ev.CorrelationID]

	if err := s.appendLocked(ev); err != nil {
		return nil, err
	}
	s.indexLocked(ev)
	return ev, nil
}

// appendLocked writes one line to the current daily file, rotating at UTC
// midnight. fsync per O-level: action and full are synced on every append.
func (s *Service) appendLocked(ev *v1.LedgerEvent) error {
	day := ev.RecordedAt.Format("2006-01-02")
	if s.file == nil || day != s.fileDay {
		if s.file != nil {
			s.file.Close()
		}
		path := filepath.Join(s.dir, fmt.Sprintf("audit-%s.jsonl", day))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open ledger file: %w", err)
		}
		s.file = f
		s.fileDay = day
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger event: %w", err)
	}

	if ev.LedgerLevel == v1.LedgerLevelAction || ev.LedgerLevel == v1.LedgerLevelFull {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync ledger file: %w", err)
		}
	}
	return nil
}

// Get returns the event by id.
func (s *Service) Get(id string) (*v1.LedgerEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byID[id]
	return ev, ok
}

// Chain returns the events of one correlation in append order.
func (s *Service) Chain(correlationID string) []*v1.LedgerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*v1.LedgerEvent(nil), s.byCorr[correlationID]...)
}

// Query applies the AND of all present filters, sorts by occurred_at
// descending, and paginates.
func (s *Service) Query(q v1.LedgerQuery) v1.LedgerQueryResponse {
	s.mu.Lock()
	candidates := s.events
	if q.CorrelationID != "" {
		candidates = s.byCorr[q.CorrelationID]
	}
	matched := make([]*v1.LedgerEvent, 0, len(candidates))
	for _, ev := range candidates {
		if matches(ev, q) {
			matched = append(matched, ev)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return v1.LedgerQueryResponse{
		Events: matched[offset:end],
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
}

func matches(ev *v1.LedgerEvent, q v1.LedgerQuery) bool {
	if q.CorrelationID != "" && ev.CorrelationID != q.CorrelationID {
		return false
	}
	if q.IntentID != "" && ev.IntentID != q.IntentID {
		return false
	}
	if q.ActorUserID != "" && ev.Actor.UserID != q.ActorUserID {
		return false
	}
	if q.ActorAgentID != "" && ev.Actor.AgentID != q.ActorAgentID {
		return false
	}
	if q.Action != "" && ev.Action != q.Action {
		return false
	}
	if q.PolicyScope != "" && ev.PolicyScope != q.PolicyScope {
		return false
	}
	if q.Decision != "" && string(ev.Decision) != q.Decision {
		return false
	}
	if q.Host != "" && ev.Host != q.Host {
		return false
	}
	if q.Service != "" && ev.Service != q.Service {
		return false
	}
	if q.OccurredAfter != nil && !ev.OccurredAt.After(*q.OccurredAfter) {
		return false
	}
	if q.OccurredBefore != nil && !ev.OccurredAt.Before(*q.OccurredBefore) {
		return false
	}
	return true
}

// Count returns the number of recorded events.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Close flushes and closes the current daily file.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}
