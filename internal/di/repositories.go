package di

import (
	"fmt"

	"github.com/quantdesk/rebalancer/internal/modules/analysis"
	"github.com/quantdesk/rebalancer/internal/modules/rebalancing"
	"github.com/quantdesk/rebalancer/internal/modules/trading"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates all repositories on the container's database
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil || container.DB == nil {
		return fmt.Errorf("container database cannot be nil")
	}

	conn := container.DB.Conn()
	container.RebalanceRepo = rebalancing.NewRepository(conn, log)
	container.AnalysisRepo = analysis.NewRepository(conn, log)
	container.TradeOrderRepo = trading.NewTradeOrderRepository(conn, log)
	container.TaskRepo = work.NewRepository(conn, log)

	return nil
}
