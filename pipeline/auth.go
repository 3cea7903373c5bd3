package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
)

const proxyKeyPrefix = "sk-proxy-"

// AuthResolver resolves raw credentials into auth and organization params.
// The implementation lives outside the pipeline (auth service client).
type AuthResolver interface {
	ResolveKey(ctx context.Context, rawKey string) (models.AuthParams, error)
	ResolveProxyKey(ctx context.Context, rawKey string) (models.AuthParams, error)
	Org(ctx context.Context, orgID string) (models.OrgParams, error)
}

// AuthStage classifies the bearer credential and resolves it to auth and
// organization params. Failure is terminal for the record: the chain stops
// and the record is dropped from further processing, but other records in
// the mini-batch continue.
type AuthStage struct {
	resolver AuthResolver
	log      logger.Logger
}

func NewAuthStage(resolver AuthResolver, log logger.Logger) *AuthStage {
	return &AuthStage{resolver: resolver, log: log.Child("auth")}
}

func (s *AuthStage) Handle(ctx context.Context, c *Context) (Outcome, error) {
	rawKey := strings.TrimSpace(strings.TrimPrefix(c.Message.Authorization, "Bearer "))
	if rawKey == "" {
		return Stop, fmt.Errorf("no api key found")
	}

	var (
		authParams models.AuthParams
		err        error
	)
	if strings.HasPrefix(rawKey, proxyKeyPrefix) {
		authParams, err = s.resolver.ResolveProxyKey(ctx, rawKey)
	} else {
		authParams, err = s.resolver.ResolveKey(ctx, rawKey)
	}
	if err != nil {
		return Stop, fmt.Errorf("authentication failed: %w", err)
	}
	if err := c.SetAuthParams(authParams); err != nil {
		return Stop, err
	}

	orgParams, err := s.resolver.Org(ctx, authParams.OrganizationID)
	if err != nil {
		return Stop, fmt.Errorf("organization %s not found: %w", authParams.OrganizationID, err)
	}
	if err := c.SetOrgParams(orgParams); err != nil {
		return Stop, err
	}
	return Continue, nil
}
