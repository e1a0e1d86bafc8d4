package engineloop

import "fenrir/internal/domain"

// validatePlaceOrder checks the granularity invariants (minimum size, lot
// size, tick size, market-order protection) before collateral is ever
// touched.
func validatePlaceOrder(order domain.Order, market domain.Market) *domain.EngineError {
	if order.Size == 0 || order.Size < market.MinSize {
		return domain.NewEngineError(domain.CodeSizeBelowMinimum,
			"size %d is below the minimum of %d", order.Size, market.MinSize)
	}
	if order.Size%market.LotSize != 0 {
		return domain.NewEngineError(domain.CodeInvalidLotSize,
			"size %d is not a multiple of lot size %d", order.Size, market.LotSize)
	}
	if order.Type == domain.LimitOrder {
		if order.Price == 0 {
			return domain.NewEngineError(domain.CodeInvalidPrice, "limit order requires a positive price")
		}
		if order.Price%market.TickSize != 0 {
			return domain.NewEngineError(domain.CodeInvalidTickSize,
				"price %d is not a multiple of tick size %d", order.Price, market.TickSize)
		}
		return nil
	}
	// Market order.
	if order.Side == domain.Buy && order.MaxQuote == 0 {
		return domain.NewEngineError(domain.CodeInvalidSize, "market buy requires a positive max_quote protection")
	}
	return nil
}
