package main

import (
	"github.com/smallbiznis/accountingproxy/internal/accounting"
	"github.com/smallbiznis/accountingproxy/internal/billing"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/contextbroker"
	"github.com/smallbiznis/accountingproxy/internal/observability"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
	"github.com/smallbiznis/accountingproxy/internal/reporter"
	"github.com/smallbiznis/accountingproxy/internal/server"
	"github.com/smallbiznis/accountingproxy/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,

		// Accounting
		accounting.Module,
		proxy.Module,
		contextbroker.Module,
		billing.Module,
		reporter.Module,

		server.Module,
	)
	app.Run()
}
