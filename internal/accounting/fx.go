package accounting

import (
	"github.com/smallbiznis/accountingproxy/internal/accounting/meter"
	"github.com/smallbiznis/accountingproxy/internal/accounting/repository"
	"github.com/smallbiznis/accountingproxy/internal/accounting/unit"
	"go.uber.org/fx"
)

var Module = fx.Module("accounting",
	fx.Provide(repository.Provide),
	fx.Provide(unit.Provide),
	fx.Provide(meter.New),
)
