package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/clock"
)

const defaultServiceTTL = time.Minute

// ServiceResolver looks up backend services by public path. Only service
// metadata is cached; accounting counters always go to the store.
type ServiceResolver struct {
	store domain.Store
	cache Cache[string, domain.Service]
	ttl   time.Duration
}

func NewServiceResolver(store domain.Store, c clock.Clock) *ServiceResolver {
	return &ServiceResolver{
		store: store,
		cache: NewTTLCache[string, domain.Service](c),
		ttl:   defaultServiceTTL,
	}
}

// Resolve returns the service registered under the longest public path that
// prefixes requestPath, along with the remainder of the path. requestPath is
// expected in escaped form; the remainder keeps its escaping.
func (r *ServiceResolver) Resolve(ctx context.Context, requestPath string) (*domain.Service, string, error) {
	for _, candidate := range candidatePaths(requestPath) {
		svc, err := r.get(ctx, candidate)
		if err == nil {
			return svc, strings.TrimPrefix(requestPath, candidate), nil
		}
		if !errors.Is(err, domain.ErrServiceNotFound) {
			return nil, "", err
		}
	}
	return nil, "", domain.ErrServiceNotFound
}

func (r *ServiceResolver) get(ctx context.Context, publicPath string) (*domain.Service, error) {
	if svc, ok := r.cache.Get(publicPath); ok {
		return &svc, nil
	}
	svc, err := r.store.GetService(ctx, publicPath)
	if err != nil {
		return nil, err
	}
	r.cache.Set(publicPath, *svc, r.ttl)
	return svc, nil
}

// candidatePaths lists "/a/b/c", "/a/b", "/a" for "/a/b/c".
func candidatePaths(requestPath string) []string {
	trimmed := "/" + strings.Trim(requestPath, "/")
	if trimmed == "/" {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(trimmed, "/"), "/")
	out := make([]string, 0, len(segments))
	for i := len(segments); i > 0; i-- {
		out = append(out, "/"+strings.Join(segments[:i], "/"))
	}
	return out
}
