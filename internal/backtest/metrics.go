package backtest

import "math"

// Metrics 汇总净值曲线的收益与风险指标，比率均已按年化周期换算。
type Metrics struct {
	TotalReturn      float64
	AnnualizedReturn float64
	Volatility       float64
	MaxDrawdown      float64
	SharpeRatio      float64
	SortinoRatio     float64
	CalmarRatio      float64
}

func calculateMetrics(equity, returns []float64, periodsPerYear float64) Metrics {
	if len(equity) == 0 {
		return Metrics{}
	}

	var m Metrics
	if first := equity[0]; first > 0 {
		m.TotalReturn = equity[len(equity)-1]/first - 1
	}
	m.MaxDrawdown = computeDrawdown(equity)

	if len(returns) == 0 || periodsPerYear <= 0 {
		return m
	}
	mean, std := moments(returns)
	m.AnnualizedReturn = mean * periodsPerYear
	m.Volatility = std * math.Sqrt(periodsPerYear)
	m.SharpeRatio = computeSharpe(returns, periodsPerYear)
	if down := downsideDeviation(returns); down > 0 {
		m.SortinoRatio = mean / down * math.Sqrt(periodsPerYear)
	}
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	}
	return m
}

// computeDrawdown 返回相对历史峰值的最大回撤比例（正数）。
func computeDrawdown(equity []float64) float64 {
	worst, peak := 0.0, 0.0
	for _, v := range equity {
		peak = math.Max(peak, v)
		if peak > 0 {
			worst = math.Max(worst, 1-v/peak)
		}
	}
	return worst
}

// returnSeries 把净值曲线转换为逐步收益率。
func returnSeries(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, len(equity)-1)
	for i := range out {
		if prev := equity[i]; prev > 0 {
			out[i] = equity[i+1]/prev - 1
		}
	}
	return out
}

func computeSharpe(returns []float64, periodsPerYear float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean, std := moments(returns)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// moments 返回均值与样本标准差。
func moments(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / (n - 1))
}

func downsideDeviation(returns []float64) float64 {
	var ss float64
	for _, r := range returns {
		if r < 0 {
			ss += r * r
		}
	}
	return math.Sqrt(ss / float64(len(returns)))
}
