package stats

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
)

const (
	matchCacheSize = 200
	matchCacheTTL  = 60 * time.Second
)

// LegContext carries the fields tenant resolution matches against.
type LegContext struct {
	Tenant         string
	ConferenceName string
	LocalAlias     string
	RemoteAlias    string
	Creator        string
}

// Resolver maps MCU tenants and aliases to customers. Match-rule hits are
// cached per cluster and alias set.
type Resolver struct {
	customers database.CustomerRepository
	rules     database.MatchRuleRepository
	cache     *expirable.LRU[string, *int64]
	logger    *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(customers database.CustomerRepository, rules database.MatchRuleRepository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		customers: customers,
		rules:     rules,
		cache:     expirable.NewLRU[string, *int64](matchCacheSize, nil, matchCacheTTL),
		logger:    logger.With("component", "resolver"),
	}
}

// Resolve returns the customer id for a leg, or nil when no rule applies.
// Order: explicit tenant id, match rules by priority, cluster default.
func (r *Resolver) Resolve(ctx context.Context, cluster *models.Cluster, lc LegContext) (*int64, error) {
	if lc.Tenant != "" {
		customer, err := r.customers.GetByTenantID(ctx, cluster.Brand, lc.Tenant)
		if err != nil {
			return nil, fmt.Errorf("resolving tenant %s: %w", lc.Tenant, err)
		}
		if customer != nil {
			return &customer.ID, nil
		}
		r.logger.Warn("unknown tenant id", "cluster", cluster.ID, "tenant", lc.Tenant)
	}

	if id, ok, err := r.matchRules(ctx, cluster.ID, lc); err != nil {
		return nil, err
	} else if ok {
		return id, nil
	}

	return cluster.DefaultCustomerID, nil
}

func (r *Resolver) matchRules(ctx context.Context, clusterID int64, lc LegContext) (*int64, bool, error) {
	key := fmt.Sprintf("%d\x00%s\x00%s\x00%s\x00%s",
		clusterID, lc.ConferenceName, lc.LocalAlias, lc.RemoteAlias, lc.Creator)
	if id, ok := r.cache.Get(key); ok {
		return id, id != nil, nil
	}

	rules, err := r.rules.ListByCluster(ctx, clusterID)
	if err != nil {
		return nil, false, fmt.Errorf("listing match rules: %w", err)
	}
	candidates := []string{lc.ConferenceName, lc.LocalAlias, lc.RemoteAlias, lc.Creator}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			r.logger.Warn("skipping invalid match rule", "rule", rule.ID, "error", err)
			continue
		}
		for _, s := range candidates {
			if s != "" && re.MatchString(s) {
				id := rule.CustomerID
				r.cache.Add(key, &id)
				return &id, true, nil
			}
		}
	}
	r.cache.Add(key, nil)
	return nil, false, nil
}

// TenantFromTag extracts the tenant id from a Brand B tag string, whose
// entries are separated by , or ; with a t= prefix for the tenant.
func TenantFromTag(tag string) string {
	for _, part := range strings.FieldsFunc(tag, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			return part[2:]
		}
	}
	return ""
}
