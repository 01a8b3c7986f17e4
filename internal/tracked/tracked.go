// Package tracked implements the tracked-wallet registry of §4.8: the set
// of (wallet, chain) pairs the Refresher proactively keeps warm, backed by
// Postgres with an in-memory read-mostly mirror refreshed periodically.
package tracked

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/apperr"
	"github.com/walletd/snapshot-engine/internal/store"
	"github.com/walletd/snapshot-engine/pkg/models"
)

const mirrorRefreshInterval = 30 * time.Second

// Registry tracks wallets scheduled for proactive refresh.
type Registry struct {
	db     *store.Postgres
	logger zerolog.Logger

	mu     sync.RWMutex
	mirror map[string]models.TrackedWallet
}

// New builds a Registry and starts its background mirror refresh.
func New(ctx context.Context, db *store.Postgres, logger zerolog.Logger) *Registry {
	r := &Registry{db: db, logger: logger.With().Str("component", "tracked.Registry").Logger(), mirror: make(map[string]models.TrackedWallet)}
	if err := r.refreshMirror(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("initial tracked-wallet mirror load failed")
	}
	go r.loop(ctx)
	return r
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(mirrorRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refreshMirror(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("tracked-wallet mirror refresh failed")
			}
		}
	}
}

func (r *Registry) refreshMirror(ctx context.Context) error {
	rows, err := r.db.Pool.Query(ctx, `SELECT wallet, chains, first_seen, last_seen, active FROM tracked_wallets WHERE active = TRUE`)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, "load tracked wallets", err)
	}
	defer rows.Close()

	next := make(map[string]models.TrackedWallet)
	for rows.Next() {
		var tw models.TrackedWallet
		if err := rows.Scan(&tw.Wallet, &tw.Chains, &tw.FirstSeen, &tw.LastSeen, &tw.Active); err != nil {
			return apperr.Wrap(apperr.DatabaseError, "scan tracked_wallets row", err)
		}
		next[strings.ToLower(tw.Wallet)] = tw
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.mirror = next
	r.mu.Unlock()
	return nil
}

// Add registers a wallet for tracking on the given chains, merging with
// any chains it is already tracked on.
func (r *Registry) Add(ctx context.Context, wallet string, chains []int64) error {
	wallet = strings.ToLower(wallet)
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO tracked_wallets (wallet, chains, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (wallet) DO UPDATE SET
			chains = (SELECT array_agg(DISTINCT c) FROM unnest(tracked_wallets.chains || EXCLUDED.chains) AS c),
			last_seen = now(), active = TRUE`,
		wallet, chains)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, "add tracked wallet", err)
	}
	return r.refreshMirror(ctx)
}

// Remove deactivates a tracked wallet; history is kept, not deleted.
func (r *Registry) Remove(ctx context.Context, wallet string) error {
	wallet = strings.ToLower(wallet)
	_, err := r.db.Pool.Exec(ctx, `UPDATE tracked_wallets SET active = FALSE WHERE wallet = $1`, wallet)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, "remove tracked wallet", err)
	}
	return r.refreshMirror(ctx)
}

// Get returns a tracked wallet's record from the in-memory mirror.
func (r *Registry) Get(wallet string) (models.TrackedWallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tw, ok := r.mirror[strings.ToLower(wallet)]
	return tw, ok
}

// List returns every actively tracked wallet from the in-memory mirror,
// used by the Refresher's sweep so it never blocks on Postgres per tick.
func (r *Registry) List() []models.TrackedWallet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TrackedWallet, 0, len(r.mirror))
	for _, tw := range r.mirror {
		out = append(out, tw)
	}
	return out
}
