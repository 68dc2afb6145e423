package triggers

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"go.uber.org/zap"
)

// SymbolData bundles the hourly candle history (ascending) and latest
// quote an Engine needs to evaluate one symbol.
type SymbolData struct {
	Symbol  string
	Candles []types.OHLCV
	Quote   exchange.Quote
}

// Engine scans a universe's symbol data for the single strongest
// trigger per symbol (spec.md §4.5).
type Engine struct {
	logger *zap.Logger
	cfg    Config

	mu          sync.Mutex
	emptyStreak int
}

// New builds a triggers.Engine.
func New(logger *zap.Logger, cfg Config) *Engine {
	return &Engine{logger: logger.Named("triggers"), cfg: cfg}
}

// Scan evaluates every symbol in data and returns the detected
// triggers sorted by score descending. If the normal pass is empty and
// the empty-scan streak crosses the fallback threshold, a second pass
// re-runs with relaxed thresholds (spec.md §4.5 "fallback scan").
func (e *Engine) Scan(data []SymbolData, regime types.Regime, now time.Time) []types.TriggerSignal {
	signals := e.scanPass(data, regime, now, 1.0)

	e.mu.Lock()
	if len(signals) > 0 {
		e.emptyStreak = 0
	} else {
		e.emptyStreak++
	}
	streak := e.emptyStreak
	e.mu.Unlock()

	if len(signals) == 0 && e.cfg.Fallback.Enabled && streak >= e.cfg.Fallback.EmptyStreakTrigger {
		e.logger.Info("running relaxed fallback scan", zap.Int("emptyStreak", streak))
		signals = e.scanPass(data, regime, now, e.cfg.Fallback.RelaxFactor)
		for i := range signals {
			signals[i].Reason += " (fallback relaxed scan)"
		}
	}

	sort.Slice(signals, func(i, j int) bool { return signals[i].Score() > signals[j].Score() })
	return signals
}

func (e *Engine) scanPass(data []SymbolData, regime types.Regime, now time.Time, relax float64) []types.TriggerSignal {
	out := make([]types.TriggerSignal, 0, len(data))
	for _, d := range data {
		if len(d.Candles) < 5 {
			continue
		}
		if e.isOutlier(d.Candles, relax) {
			e.logger.Debug("outlier guard rejected symbol", zap.String("symbol", d.Symbol))
			continue
		}
		if !e.passesATRFilter(d.Candles, regime, relax) {
			continue
		}

		candidates := make([]types.TriggerSignal, 0, 4)
		if sig := e.checkPriceMove(d, regime, now, relax); sig != nil {
			candidates = append(candidates, *sig)
		}
		if sig := e.checkVolumeSpike(d, regime, now, relax); sig != nil {
			candidates = append(candidates, *sig)
		}
		if sig := e.checkBreakout(d, regime, now, relax); sig != nil {
			candidates = append(candidates, *sig)
		}
		if sig := e.checkMomentum(d, regime, now, relax); sig != nil {
			candidates = append(candidates, *sig)
		}
		if len(candidates) == 0 {
			continue
		}

		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Score() > best.Score() {
				best = c
			}
		}
		if best.Score() >= e.cfg.MinScore*relax {
			out = append(out, best)
		}
	}
	return out
}

// isOutlier flags a candle series whose latest close deviates sharply
// from its moving average without confirming volume — a likely bad
// print rather than a real move (spec.md §4.5).
func (e *Engine) isOutlier(candles []types.OHLCV, relax float64) bool {
	cfg := e.cfg.OutlierGuard
	lookback := cfg.MALookbackHours
	if lookback > len(candles) {
		lookback = len(candles)
	}
	if lookback < 2 {
		return false
	}
	window := candles[len(candles)-lookback:]
	ma := meanClose(window)
	if ma == 0 {
		return false
	}
	last := closeF(candles[len(candles)-1])
	deviation := math.Abs(last-ma) / ma * 100

	avgVol := meanVolume(window)
	lastVol := volF(candles[len(candles)-1])
	lowVolume := avgVol > 0 && lastVol/avgVol < cfg.LowVolumeRatio

	return deviation > cfg.MaxDeviationFromMAPct/relax && lowVolume
}

// passesATRFilter requires current ATR% to exceed a regime-scaled
// fraction of its own rolling median, i.e. "there is enough volatility
// right now to trust a signal" (spec.md §4.5).
func (e *Engine) passesATRFilter(candles []types.OHLCV, regime types.Regime, relax float64) bool {
	cfg := e.cfg.ATRFilter
	windowHours := cfg.MedianWindowDays * 24
	if len(candles) < cfg.LookbackHours+2 {
		return true // not enough history to judge; don't block
	}

	series := atrPctSeries(candles, cfg.LookbackHours)
	if len(series) == 0 {
		return true
	}
	if windowHours > len(series) {
		windowHours = len(series)
	}
	medianATR := median(series[len(series)-windowHours:])
	currentATR := series[len(series)-1]
	if medianATR <= 0 {
		return true
	}
	ratio := currentATR / medianATR
	minRatio := cfg.MinRatioByRegime.For(regime) * relax
	return ratio >= minRatio
}

// checkPriceMove fires on a sharp recent move: the strongest single
// hourly swing in the last 4 hours (a 15m-move proxy given hourly
// candles) or the plain 1h move, whichever crosses its regime
// threshold first (spec.md §4.5).
func (e *Engine) checkPriceMove(d SymbolData, regime types.Regime, now time.Time, relax float64) *types.TriggerSignal {
	candles := d.Candles
	n := len(candles)
	move1h := pctChange(closeF(candles[n-2]), closeF(candles[n-1]))

	window := 4
	if window > n-1 {
		window = n - 1
	}
	maxProxy15m := 0.0
	for i := n - window; i < n; i++ {
		if i <= 0 {
			continue
		}
		m := math.Abs(pctChange(closeF(candles[i-1]), closeF(candles[i])))
		if m > maxProxy15m {
			maxProxy15m = m
		}
	}

	thresh15 := e.cfg.PriceMove.Move15mPct.For(regime) * relax
	thresh60 := e.cfg.PriceMove.Move60mPct.For(regime) * relax

	proxyHit := maxProxy15m >= thresh15
	hourHit := math.Abs(move1h) >= thresh60
	if !proxyHit && !hourHit {
		return nil
	}

	changePct := move1h
	if proxyHit && maxProxy15m > math.Abs(move1h) {
		// preserve sign from the most recent hourly move
		if move1h < 0 {
			changePct = -maxProxy15m
		} else {
			changePct = maxProxy15m
		}
	}

	strength := clamp01(math.Abs(changePct) / (thresh60 * 2))
	confidence := 0.6
	if proxyHit && hourHit {
		confidence = 0.85
	}

	return &types.TriggerSignal{
		Symbol:         d.Symbol,
		Type:           types.TriggerPriceMove,
		Strength:       strength,
		Confidence:     confidence,
		Reason:         "sharp price move",
		Timestamp:      now,
		CurrentPrice:   candles[n-1].Close,
		PriceChangePct: changePct,
		Volatility:     maxProxy15m,
	}
}

// checkVolumeSpike fires when the last hour's volume dwarfs the
// trailing 24h hourly average (spec.md §4.5). Direction is left to the
// strategy layer — this trigger only confirms unusual participation.
func (e *Engine) checkVolumeSpike(d SymbolData, regime types.Regime, now time.Time, relax float64) *types.TriggerSignal {
	candles := d.Candles
	n := len(candles)
	lookback := 24
	if lookback > n-1 {
		lookback = n - 1
	}
	if lookback < 1 {
		return nil
	}
	avgVol := meanVolume(candles[n-1-lookback : n-1])
	lastVol := volF(candles[n-1])
	if avgVol <= 0 {
		return nil
	}
	ratio := lastVol / avgVol
	threshold := e.cfg.VolumeSpike.RatioThreshold.For(regime) * relax
	if ratio < threshold {
		return nil
	}

	move1h := pctChange(closeF(candles[n-2]), closeF(candles[n-1]))
	strength := clamp01(ratio / (threshold * 2))

	return &types.TriggerSignal{
		Symbol:         d.Symbol,
		Type:           types.TriggerVolumeSpike,
		Strength:       strength,
		Confidence:     0.7,
		Reason:         "volume spike",
		Timestamp:      now,
		CurrentPrice:   candles[n-1].Close,
		VolumeRatio:    ratio,
		PriceChangePct: move1h,
	}
}

// checkBreakout fires on a new N-hour high (continuation) or, on a new
// N-hour low followed by a qualifying recovery, a reversal candidate
// gated by the EMA trend filter and boosted by non-gating confirmation
// qualifiers (spec.md §4.5).
func (e *Engine) checkBreakout(d SymbolData, regime types.Regime, now time.Time, relax float64) *types.TriggerSignal {
	candles := d.Candles
	n := len(candles)
	band := e.cfg.Breakout.BandHours
	if band > n-1 {
		band = n - 1
	}
	if band < 2 {
		return nil
	}
	window := candles[n-1-band : n-1]
	bandHigh, priorLow := hiLo(window)
	current := closeF(candles[n-1])

	if current > bandHigh {
		strength := clamp01((current - bandHigh) / bandHigh / 0.02)
		return &types.TriggerSignal{
			Symbol:       d.Symbol,
			Type:         types.TriggerBreakout,
			Strength:     strength,
			Confidence:   0.75,
			Reason:       "new band high breakout",
			Timestamp:    now,
			CurrentPrice: candles[n-1].Close,
		}
	}

	// Reversal candidate: the band recently printed a low at or below
	// its established floor, and price has since bounced off that dip
	// by at least the configured recovery percent.
	dipLookback := 6
	if dipLookback > band {
		dipLookback = band
	}
	dipWindow := candles[n-1-dipLookback : n]
	_, recentLow := hiLo(dipWindow)
	if recentLow > priorLow {
		return nil // no fresh dip to recover from
	}

	recoveryPct := (current - recentLow) / recentLow * 100
	if recoveryPct < e.cfg.Breakout.ReversalMinRecoveryPct*relax {
		return nil
	}
	if regime == types.RegimeCrash {
		return nil
	}

	tf := e.cfg.Breakout.TrendFilter
	if tf.Enabled {
		slope := emaSlope(candles, tf.EMAPeriod)
		if slope < tf.MinSlopeByRegime.For(regime) {
			return nil
		}
	}

	qualifiers := e.reversalQualifiers(candles, recentLow)
	boost := 0.0
	for _, ok := range qualifiers {
		if ok {
			boost += 0.05
		}
	}
	confidence := clamp01(0.55 + boost)
	strength := clamp01(recoveryPct / (e.cfg.Breakout.ReversalMinRecoveryPct * 3))

	return &types.TriggerSignal{
		Symbol:       d.Symbol,
		Type:         types.TriggerReversal,
		Strength:     strength,
		Confidence:   confidence,
		Reason:       "bounce off band low",
		Timestamp:    now,
		CurrentPrice: candles[n-1].Close,
		Qualifiers:   qualifiers,
		Metrics:      map[string]float64{"recovery_pct": recoveryPct},
	}
}

// reversalQualifiers computes non-gating conviction-boost signals: is
// price above VWAP, did the low print a higher low than the prior
// pivot, did RSI(14) cross up through 50, and is the bounce large.
func (e *Engine) reversalQualifiers(candles []types.OHLCV, bandLow float64) map[string]bool {
	n := len(candles)
	vwap := vwapOf(candles)
	current := closeF(candles[n-1])

	pivots := findPivotLows(candles)
	higherLow := false
	if len(pivots) >= 2 {
		higherLow = pivots[len(pivots)-1] > pivots[len(pivots)-2]
	}

	rsi := rsiSeries(candles, 14)
	rsiCross := false
	if len(rsi) >= 2 {
		rsiCross = rsi[len(rsi)-2] <= 50 && rsi[len(rsi)-1] > 50
	}

	bouncePct := (current - bandLow) / bandLow * 100

	return map[string]bool{
		"above_vwap":      current > vwap,
		"higher_low":      higherLow,
		"rsi_cross_up":    rsiCross,
		"large_bounce":    bouncePct >= 5.0,
	}
}

// checkMomentum fires on a sustained 24h directional move; no shorting
// in this phase, so only upside momentum qualifies (spec.md §4.5).
func (e *Engine) checkMomentum(d SymbolData, regime types.Regime, now time.Time, relax float64) *types.TriggerSignal {
	candles := d.Candles
	n := len(candles)
	lookback := 24
	if lookback >= n {
		lookback = n - 1
	}
	if lookback < 1 {
		return nil
	}
	ret24h := pctChange(closeF(candles[n-1-lookback]), closeF(candles[n-1]))
	threshold := e.cfg.Momentum.Return24hPct.For(regime) * relax
	if ret24h <= 0 && e.cfg.Momentum.OnlyUpside {
		return nil
	}
	if math.Abs(ret24h) < threshold {
		return nil
	}

	checkHours := 12
	if checkHours >= n {
		checkHours = n - 1
	}
	sameDirection := 0
	for i := n - checkHours; i < n; i++ {
		if i <= 0 {
			continue
		}
		m := pctChange(closeF(candles[i-1]), closeF(candles[i]))
		if (ret24h > 0 && m > 0) || (ret24h < 0 && m < 0) {
			sameDirection++
		}
	}
	confidence := clamp01(float64(sameDirection) / float64(checkHours))
	strength := clamp01(math.Abs(ret24h) / (threshold * 2))

	return &types.TriggerSignal{
		Symbol:         d.Symbol,
		Type:           types.TriggerMomentum,
		Strength:       strength,
		Confidence:     confidence,
		Reason:         "sustained momentum",
		Timestamp:      now,
		CurrentPrice:   candles[n-1].Close,
		PriceChangePct: ret24h,
	}
}

// --- shared numeric helpers ---

func closeF(c types.OHLCV) float64 { f, _ := c.Close.Float64(); return f }
func volF(c types.OHLCV) float64   { f, _ := c.Volume.Float64(); return f }

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

func meanClose(candles []types.OHLCV) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += closeF(c)
	}
	return sum / float64(len(candles))
}

func meanVolume(candles []types.OHLCV) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += volF(c)
	}
	return sum / float64(len(candles))
}

func hiLo(candles []types.OHLCV) (hi, lo float64) {
	hi = math.Inf(-1)
	lo = math.Inf(1)
	for _, c := range candles {
		h, _ := c.High.Float64()
		l, _ := c.Low.Float64()
		if h > hi {
			hi = h
		}
		if l < lo {
			lo = l
		}
	}
	return hi, lo
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// atrPctSeries returns, for each index where a full lookback window is
// available, the mean true-range percent over that window.
func atrPctSeries(candles []types.OHLCV, lookback int) []float64 {
	if len(candles) < lookback+1 {
		return nil
	}
	trueRanges := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		h, _ := candles[i].High.Float64()
		l, _ := candles[i].Low.Float64()
		prevClose := closeF(candles[i-1])
		tr := math.Max(h-l, math.Max(math.Abs(h-prevClose), math.Abs(l-prevClose)))
		trueRanges[i] = tr
	}

	out := make([]float64, 0, len(candles)-lookback)
	for i := lookback; i < len(candles); i++ {
		sum := 0.0
		for j := i - lookback + 1; j <= i; j++ {
			sum += trueRanges[j]
		}
		atr := sum / float64(lookback)
		price := closeF(candles[i])
		if price == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, atr/price*100)
	}
	return out
}

// emaSlope returns the percent change of the EMA over its last two
// values, a crude but effective trend-direction gate.
func emaSlope(candles []types.OHLCV, period int) float64 {
	ema := emaSeries(candles, period)
	if len(ema) < 2 {
		return 0
	}
	return pctChange(ema[len(ema)-2], ema[len(ema)-1])
}

func emaSeries(candles []types.OHLCV, period int) []float64 {
	if period <= 0 || len(candles) < period {
		return nil
	}
	k := 2.0 / (float64(period) + 1)
	out := make([]float64, len(candles))
	seed := meanClose(candles[:period])
	out[period-1] = seed
	for i := period; i < len(candles); i++ {
		out[i] = closeF(candles[i])*k + out[i-1]*(1-k)
	}
	return out[period-1:]
}

func vwapOf(candles []types.OHLCV) float64 {
	window := candles
	if len(window) > 24 {
		window = window[len(window)-24:]
	}
	var pvSum, volSum float64
	for _, c := range window {
		typical := (closeF(c) + func() float64 { h, _ := c.High.Float64(); return h }() + func() float64 { l, _ := c.Low.Float64(); return l }()) / 3
		v := volF(c)
		pvSum += typical * v
		volSum += v
	}
	if volSum == 0 {
		return meanClose(window)
	}
	return pvSum / volSum
}

// findPivotLows returns local-minimum closes (lower than both
// neighbors) across the series, in chronological order.
func findPivotLows(candles []types.OHLCV) []float64 {
	var pivots []float64
	for i := 1; i < len(candles)-1; i++ {
		c := closeF(candles[i])
		prev := closeF(candles[i-1])
		next := closeF(candles[i+1])
		if c < prev && c < next {
			pivots = append(pivots, c)
		}
	}
	return pivots
}

// rsiSeries computes Wilder-smoothed RSI over the given period.
func rsiSeries(candles []types.OHLCV, period int) []float64 {
	if len(candles) < period+1 {
		return nil
	}
	gains := make([]float64, 0, len(candles)-1)
	losses := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		delta := closeF(candles[i]) - closeF(candles[i-1])
		if delta > 0 {
			gains = append(gains, delta)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -delta)
		}
	}

	avgGain := mean(gains[:period])
	avgLoss := mean(losses[:period])
	out := make([]float64, 0, len(gains)-period+1)
	out = append(out, rsiFromAvg(avgGain, avgLoss))

	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		out = append(out, rsiFromAvg(avgGain, avgLoss))
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
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
