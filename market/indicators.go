package market

import "math"

// SMA returns the simple moving average of the last period closes, or 0
// when the series is too short.
func SMA(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}
	return mean(prices[len(prices)-period:])
}

// RSI computes the relative strength index over the last period changes.
// Too-short series report the neutral 50.
func RSI(prices []float64, period int) float64 {
	if period <= 0 || len(prices) <= period {
		return 50
	}
	var gains, losses float64
	start := len(prices) - period
	for i := start; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - (100 / (1 + rs))
}

// ATR is the rolling mean of the true range over the last period candles.
// Needs period+1 candles for the first previous close; returns 0 otherwise.
func ATR(klines []Kline, period int) float64 {
	if period <= 0 || len(klines) <= period {
		return 0
	}
	sum := 0.0
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		k := klines[i]
		prevClose := klines[i-1].Close
		tr := k.High - k.Low
		if hc := math.Abs(k.High - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(k.Low - prevClose); lc > tr {
			tr = lc
		}
		sum += tr
	}
	return sum / float64(period)
}

// VolumeRatio compares the latest candle's volume against the mean of the
// preceding lookback candles. 1.0 means volume is at its recent average.
func VolumeRatio(klines []Kline, lookback int) float64 {
	if lookback <= 0 || len(klines) <= lookback {
		return 1
	}
	recent := klines[len(klines)-1].Volume
	base := 0.0
	for _, k := range klines[len(klines)-1-lookback : len(klines)-1] {
		base += k.Volume
	}
	base /= float64(lookback)
	if base == 0 {
		return 1
	}
	return recent / base
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
