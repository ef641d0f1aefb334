// Package snapshot fingerprints the strategy configuration and keeps one
// open strategy_snapshots row per distinct parameter set. Orders placed
// while a snapshot is open carry its id, so realized P&L can be attributed
// to the exact configuration that produced it.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bottrader/internal/config"
	"bottrader/internal/ledger"
)

// Store is the database surface the service needs.
type Store interface {
	ActiveSnapshot(ctx context.Context) (*ledger.StrategySnapshot, error)
	RotateSnapshot(ctx context.Context, next ledger.StrategySnapshot) error
	RefreshPerformanceSummary(ctx context.Context, version int64) error
}

// Fingerprint is the hashed subset of the configuration: everything that
// changes what the bot trades or when, nothing operational.
type Fingerprint struct {
	Trading    config.TradingConfig   `json:"trading"`
	Risk       config.RiskConfig      `json:"risk"`
	Indicators config.IndicatorConfig `json:"indicators"`
	Signals    config.SignalConfig    `json:"signals"`
}

// Canonical serializes the fingerprint. encoding/json writes struct fields
// in declaration order and sorts map keys, so equal configurations always
// serialize to equal bytes.
func (f Fingerprint) Canonical() ([]byte, error) {
	return json.Marshal(f)
}

// Hash returns the hex SHA-256 of the canonical form.
func (f Fingerprint) Hash() (string, error) {
	b, err := f.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Service resolves which snapshot row is active for the running
// configuration and hands its id to the order manager.
type Service struct {
	db     Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	active ledger.StrategySnapshot
}

func NewService(db Store, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With("component", "snapshot"),
		now:    time.Now,
	}
}

// Resolve makes the open snapshot row match the given configuration: when
// the stored hash is unchanged the row is reused, otherwise it is closed
// and a fresh row opened in one transaction. Returns the active id.
func (s *Service) Resolve(ctx context.Context, fp Fingerprint) (string, error) {
	body, err := fp.Canonical()
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	current, err := s.db.ActiveSnapshot(ctx)
	if err != nil {
		return "", err
	}
	if current != nil && current.ConfigHash == hash {
		s.setActive(*current)
		s.logger.Info("strategy snapshot unchanged", "id", current.ID, "hash", hash[:12])
		return current.ID, nil
	}

	next := ledger.StrategySnapshot{
		ID:         uuid.NewString(),
		ConfigHash: hash,
		ConfigJSON: string(body),
		ActiveFrom: s.now().UTC(),
	}
	if err := s.db.RotateSnapshot(ctx, next); err != nil {
		return "", err
	}
	s.setActive(next)
	if current != nil {
		s.logger.Info("strategy snapshot rotated",
			"id", next.ID, "replaces", current.ID, "hash", hash[:12])
	} else {
		s.logger.Info("strategy snapshot opened", "id", next.ID, "hash", hash[:12])
	}
	return next.ID, nil
}

func (s *Service) setActive(row ledger.StrategySnapshot) {
	s.mu.Lock()
	s.active = row
	s.mu.Unlock()
}

// ActiveID reports the snapshot id orders link to. Empty until Resolve has
// run.
func (s *Service) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.ID
}

// Active returns a copy of the resolved snapshot row.
func (s *Service) Active() (ledger.StrategySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.active.ID != ""
}

// RefreshPerformance rebuilds the per-snapshot realized P&L summary from
// the current allocation version.
func (s *Service) RefreshPerformance(ctx context.Context, version int64) error {
	if err := s.db.RefreshPerformanceSummary(ctx, version); err != nil {
		return err
	}
	s.logger.Info("performance summary refreshed", "version", version)
	return nil
}
