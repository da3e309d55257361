package findings

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/metrics"
)

const (
	logFileName   = "findings.log"
	indexFileName = "findings_index.json"

	defaultLoadLimit = 100
)

// AppendInput carries one learning to persist.
type AppendInput struct {
	SessionID   string
	Category    string
	Description string
	FullText    string
}

// Query filters Load results. Zero fields match everything; Limit defaults
// to 100.
type Query struct {
	SessionID string
	Category  string
	Since     time.Time
	Limit     int
}

// Store is the durable findings engine: an append-only line-delimited JSON
// log as the source of truth, plus a materialized JSON index for aggregate
// queries so the hot path never scans the log.
//
// The index file is read, modified, and rewritten without a file lock; the
// in-process mutex serializes writers within this process, and multi-process
// use is out of scope.
type Store struct {
	mu        sync.Mutex
	logPath   string
	indexPath string
	logFile   *os.File
	limiter   *Limiter
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewStore opens (creating if needed) the log under dir and wires the rate
// limiter that guards every append.
func NewStore(dir string, limits Limits, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create findings dir: %w", err)
	}
	logPath := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open findings log: %w", err)
	}
	return &Store{
		logPath:   logPath,
		indexPath: filepath.Join(dir, indexFileName),
		logFile:   f,
		limiter:   NewLimiter(limits, logger),
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}, nil
}

// SetLimits applies new thresholds to the limiter (hot reload path).
func (s *Store) SetLimits(limits Limits) {
	s.limiter.SetLimits(limits)
}

// Append persists one finding. A rate-limited call returns (nil, nil): the
// rejection is logged and counted but is never an error to the producing
// task. On the accept path the log line is written first (a torn final line
// cannot corrupt prior entries), then the index is updated.
func (s *Store) Append(ctx context.Context, input AppendInput) (*Finding, error) {
	if input.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, reason := s.limiter.Allow(input.SessionID); !ok {
		s.logger.Warn("Finding rejected by rate limiter",
			zap.String("session_id", input.SessionID),
			zap.String("category", input.Category),
			zap.String("reason", reason),
		)
		metrics.FindingsRejected.WithLabelValues(reason).Inc()
		return nil, nil
	}

	finding := Finding{
		ID:          s.newID(),
		Timestamp:   s.now().UTC(),
		SessionID:   input.SessionID,
		Category:    strings.ToUpper(strings.TrimSpace(input.Category)),
		Description: strings.TrimSpace(input.Description),
		FullText:    input.FullText,
	}

	line, err := json.Marshal(finding)
	if err != nil {
		return nil, fmt.Errorf("marshal finding: %w", err)
	}
	if _, err := s.logFile.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append finding: %w", err)
	}

	if err := s.updateIndex(finding); err != nil {
		// The log entry is durable; the index will drift until the next
		// successful append rewrites it from the incremented state.
		s.logger.Error("Failed to update findings index",
			zap.String("finding_id", finding.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("update index: %w", err)
	}

	metrics.FindingsAccepted.Inc()
	s.logger.Info("Finding persisted",
		zap.String("finding_id", finding.ID),
		zap.String("session_id", finding.SessionID),
		zap.String("category", finding.Category),
	)
	return &finding, nil
}

// Load scans the full log and returns at most Limit matches in chronological
// order, keeping the most recent matches when more exist.
func (s *Store) Load(ctx context.Context, q Query) ([]Finding, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLoadLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open findings log: %w", err)
	}
	defer f.Close()

	var matches []Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var finding Finding
		if err := json.Unmarshal(line, &finding); err != nil {
			// A torn trailing line from a crash mid-append is expected.
			continue
		}
		if q.SessionID != "" && finding.SessionID != q.SessionID {
			continue
		}
		if q.Category != "" && !strings.EqualFold(finding.Category, q.Category) {
			continue
		}
		if !q.Since.IsZero() && finding.Timestamp.Before(q.Since) {
			continue
		}
		matches = append(matches, finding)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan findings log: %w", err)
	}

	if len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches, nil
}

// Stats serves the aggregate view straight from the index without touching
// the log.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return Stats{}, err
	}
	byCategory := make(map[string]int, len(idx.ByCategory))
	for cat, n := range idx.ByCategory {
		byCategory[cat] = n
	}
	return Stats{
		Total:          idx.Total,
		ActiveSessions: len(idx.BySession),
		ByCategory:     byCategory,
		UpdatedAt:      idx.UpdatedAt,
	}, nil
}

// Close releases the log file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFile.Close()
}

func (s *Store) readIndex() (Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return newIndex(), nil
		}
		return Index{}, fmt.Errorf("read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return Index{}, fmt.Errorf("parse index: %w", err)
	}
	if idx.BySession == nil {
		idx.BySession = make(map[string]SessionStat)
	}
	if idx.ByCategory == nil {
		idx.ByCategory = make(map[string]int)
	}
	return idx, nil
}

func (s *Store) updateIndex(finding Finding) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}

	stat := idx.BySession[finding.SessionID]
	stat.Count++
	stat.LastAt = finding.Timestamp
	idx.BySession[finding.SessionID] = stat
	idx.ByCategory[finding.Category]++
	idx.Total++
	idx.UpdatedAt = finding.Timestamp

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(s.indexPath, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}
