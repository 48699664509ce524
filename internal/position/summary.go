package position

// Summary 为提示词与监控提供的精简持仓视图。
type Summary struct {
	Symbol           string  `json:"symbol"`
	Side             Side    `json:"side"`
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	ROIPercent       float64 `json:"roi_percent"`
	HoldingMinutes   float64 `json:"holding_minutes"`
}
