package engine

// SymbolSeries is one symbol's in-memory OHLCV kline series, the
// dataframe-equivalent fed to a strategy (spec §6.1). It carries no
// indicator columns. Index i corresponds to bar i, oldest first.
type SymbolSeries struct {
	Symbol     string
	OpenTimeMs []int64
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
	Volume     []float64
}

// Append adds a closed bar to the series.
func (s *SymbolSeries) Append(k Kline) {
	s.OpenTimeMs = append(s.OpenTimeMs, k.OpenTimeMs)
	s.Open = append(s.Open, k.Open)
	s.High = append(s.High, k.High)
	s.Low = append(s.Low, k.Low)
	s.Close = append(s.Close, k.Close)
	s.Volume = append(s.Volume, k.Volume)
}

// Len returns the number of bars in the series.
func (s *SymbolSeries) Len() int { return len(s.Close) }

// Strategy is the contract every strategy implements (spec §6.1).
type Strategy interface {
	// CalculateSignal is invoked once per newly-closed kline per
	// symbol with the full market-data map for every registered
	// symbol (so cross-symbol strategies are possible).
	CalculateSignal(marketData map[string]*SymbolSeries) []Signal

	// ShouldExitPosition is used by the backtester only; live
	// strategies may implement it as a constant false.
	ShouldExitPosition(position *Position, currentClose float64) bool
}
