package credit

import (
	"github.com/smallbiznis/credo/internal/calendar"
	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
	"github.com/smallbiznis/credo/internal/credit/repository"
	"github.com/smallbiznis/credo/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	calendar.Module,
	fx.Provide(creditengine.New),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
