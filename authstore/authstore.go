// Package authstore resolves raw bearer credentials against the relational
// store: hashed API keys, proxy keys and organization parameters.
package authstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
)

// ErrKeyNotFound is returned for unknown, revoked or soft-deleted keys.
var ErrKeyNotFound = errors.New("api key not found")

type AuthStore struct {
	db  *sql.DB
	log logger.Logger

	orgTTL *config.Reloadable[time.Duration]

	mu       sync.Mutex
	orgCache map[string]cachedOrg
}

type cachedOrg struct {
	org     models.OrgParams
	fetched time.Time
}

func New(db *sql.DB, conf *config.Config, log logger.Logger) *AuthStore {
	return &AuthStore{
		db:       db,
		log:      log.Child("authstore"),
		orgTTL:   conf.GetReloadableDurationVar(30, time.Second, "Auth.orgCacheTTL"),
		orgCache: make(map[string]cachedOrg),
	}
}

func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// ResolveKey looks up a standard API key by its hash.
func (s *AuthStore) ResolveKey(ctx context.Context, rawKey string) (models.AuthParams, error) {
	var p models.AuthParams
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, user_id
		FROM api_key
		WHERE api_key_hash = $1 AND soft_delete = false`,
		hashKey(rawKey),
	).Scan(&p.KeyID, &p.OrganizationID, &p.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AuthParams{}, ErrKeyNotFound
	}
	if err != nil {
		return models.AuthParams{}, fmt.Errorf("resolving api key: %w", err)
	}
	return p, nil
}

// ResolveProxyKey looks up a gateway-issued proxy key and follows it to the
// owning API key's organization.
func (s *AuthStore) ResolveProxyKey(ctx context.Context, rawKey string) (models.AuthParams, error) {
	var p models.AuthParams
	err := s.db.QueryRowContext(ctx, `
		SELECT pk.id, pk.organization_id
		FROM proxy_key pk
		WHERE pk.key_hash = $1 AND pk.soft_delete = false`,
		hashKey(rawKey),
	).Scan(&p.KeyID, &p.OrganizationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AuthParams{}, ErrKeyNotFound
	}
	if err != nil {
		return models.AuthParams{}, fmt.Errorf("resolving proxy key: %w", err)
	}
	return p, nil
}

// Org returns the organization parameters, cached briefly: every record in a
// mini-batch resolves its organization and most mini-batches are
// single-tenant-heavy.
func (s *AuthStore) Org(ctx context.Context, orgID string) (models.OrgParams, error) {
	ttl := s.orgTTL.Load()
	s.mu.Lock()
	if cached, ok := s.orgCache[orgID]; ok && time.Since(cached.fetched) < ttl {
		s.mu.Unlock()
		return cached.org, nil
	}
	s.mu.Unlock()

	var org models.OrgParams
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tier, percent_to_log, has_integrated
		FROM organization
		WHERE id = $1`,
		orgID,
	).Scan(&org.ID, &org.Tier, &org.PercentLog, &org.HasOnboarded)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OrgParams{}, fmt.Errorf("organization %s not found", orgID)
	}
	if err != nil {
		return models.OrgParams{}, fmt.Errorf("fetching organization %s: %w", orgID, err)
	}

	s.mu.Lock()
	s.orgCache[orgID] = cachedOrg{org: org, fetched: time.Now()}
	s.mu.Unlock()
	return org, nil
}
