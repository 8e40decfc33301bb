package unit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/config"
)

// Registry maps unit names to their implementation. It is fixed after startup.
type Registry struct {
	units map[string]Unit
}

// NewRegistry enables the named units out of available.
func NewRegistry(enabled []string, available ...Unit) (*Registry, error) {
	known := lo.KeyBy(available, func(u Unit) string { return u.Name() })

	units := make(map[string]Unit, len(enabled))
	for _, name := range lo.Uniq(enabled) {
		u, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidUnit, name)
		}
		units[name] = u
	}
	return &Registry{units: units}, nil
}

// Provide builds the registry from the configured unit list.
func Provide(holder *config.AccountingConfigHolder) (*Registry, error) {
	return NewRegistry(holder.Get().Units, Builtin()...)
}

func (r *Registry) Lookup(name string) (Unit, error) {
	u, ok := r.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidUnit, name)
	}
	return u, nil
}

// Names returns the enabled unit names in a stable order.
func (r *Registry) Names() []string {
	names := lo.Keys(r.units)
	sort.Strings(names)
	return names
}

// Supports reports whether the unit implements fn. Unknown units never do.
func (r *Registry) Supports(name string, fn CountFunc) bool {
	u, ok := r.units[name]
	if !ok {
		return false
	}
	_, err := u.Count(fn, CountInfo{})
	return !errors.Is(err, ErrCountFuncUnsupported)
}
