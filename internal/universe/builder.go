package universe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Builder produces UniverseSnapshots, caching the result per regime
// for cfg.CacheTTL (spec.md §4.3).
type Builder struct {
	logger *zap.Logger
	cfg    Config
	port   exchange.Port

	mu          sync.Mutex
	redFlagBans map[string]time.Time // symbol -> ban expiry
	cache       *types.UniverseSnapshot
	cacheRegime types.Regime
	cacheTime   time.Time
}

// New builds a universe.Builder against the given exchange port.
func New(logger *zap.Logger, cfg Config, port exchange.Port) *Builder {
	return &Builder{
		logger:      logger.Named("universe"),
		cfg:         cfg,
		port:        port,
		redFlagBans: make(map[string]time.Time),
	}
}

// BanSymbol installs a time-bounded red-flag ban, auto-expired on the
// next read that observes `now` past the expiry.
func (b *Builder) BanSymbol(symbol string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.redFlagBans[symbol] = until
}

func (b *Builder) purgeExpiredBansLocked(now time.Time) {
	for symbol, expiry := range b.redFlagBans {
		if !now.Before(expiry) {
			delete(b.redFlagBans, symbol)
		}
	}
}

// Build returns the cached snapshot if still valid for regime, else
// rebuilds from live exchange data. Pass forceRefresh to bypass the
// cache regardless of age (e.g. after a red-flag ban is installed).
func (b *Builder) Build(ctx context.Context, regime types.Regime, now time.Time, forceRefresh bool) (*types.UniverseSnapshot, error) {
	b.mu.Lock()
	if !forceRefresh && b.cache != nil && b.cacheRegime == regime && now.Sub(b.cacheTime) < b.cfg.CacheTTL {
		snap := b.cache
		b.mu.Unlock()
		return snap, nil
	}
	b.mu.Unlock()

	snap, err := b.rebuild(ctx, regime, now)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cache = snap
	b.cacheRegime = regime
	b.cacheTime = now
	b.mu.Unlock()
	return snap, nil
}

func (b *Builder) rebuild(ctx context.Context, regime types.Regime, now time.Time) (*types.UniverseSnapshot, error) {
	b.mu.Lock()
	b.purgeExpiredBansLocked(now)
	excluded := make(map[string]string, len(b.cfg.Exclusions.NeverTrade)+len(b.redFlagBans))
	for _, sym := range b.cfg.Exclusions.NeverTrade {
		excluded[sym] = "never_trade"
	}
	for sym, expiry := range b.redFlagBans {
		excluded[sym] = fmt.Sprintf("red_flag_ban until %s", expiry.UTC().Format(time.RFC3339))
	}
	b.mu.Unlock()

	tiers := b.cfg.Tiers
	if b.cfg.DynamicDiscovery.Enabled {
		discovered, err := b.discoverTiers(ctx)
		if err != nil {
			b.logger.Warn("dynamic discovery failed, falling back to static fallback list", zap.Error(err))
			tiers = b.fallbackTiers()
		} else {
			tiers = discovered
		}
	}

	byTier := make(map[types.Tier][]types.UniverseAsset, 3)
	for _, tier := range []types.Tier{types.TierT1, types.TierT2, types.TierT3} {
		assets := b.buildTier(ctx, tier, tiers[tier], regime, excluded)
		byTier[tier] = assets
	}

	return &types.UniverseSnapshot{
		Timestamp: now,
		Regime:    regime,
		ByTier:    byTier,
		Excluded:  excluded,
	}, nil
}

// fallbackTiers builds a minimal tier-1-only config from
// cfg.FallbackSymbols, mirroring original_source's offline fallback.
func (b *Builder) fallbackTiers() map[types.Tier]TierConfig {
	t1 := b.cfg.Tiers[types.TierT1]
	t1.Symbols = b.cfg.FallbackSymbols
	return map[types.Tier]TierConfig{
		types.TierT1: t1,
		types.TierT2: {},
		types.TierT3: {},
	}
}

func (b *Builder) discoverTiers(ctx context.Context) (map[types.Tier]TierConfig, error) {
	dc := b.cfg.DynamicDiscovery
	symbols, err := b.port.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("dynamic discovery returned no products")
	}

	quoted := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if strings.HasSuffix(s, dc.QuoteSuffix) {
			quoted = append(quoted, s)
		}
	}
	if len(quoted) == 0 {
		return nil, fmt.Errorf("dynamic discovery found no %s pairs", dc.QuoteSuffix)
	}
	sort.Strings(quoted)
	if dc.MaxCandidates > 0 && len(quoted) > dc.MaxCandidates {
		quoted = quoted[:dc.MaxCandidates]
	}

	var t1, t2, t3 []string
	for _, symbol := range quoted {
		quote, err := b.port.GetQuote(ctx, symbol)
		if err != nil {
			b.logger.Debug("discovery: skipping symbol with no quote", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		switch {
		case quote.Volume24h.GreaterThanOrEqual(dc.Tier1MinVolume):
			t1 = append(t1, symbol)
		case quote.Volume24h.GreaterThanOrEqual(dc.Tier2MinVolume):
			t2 = append(t2, symbol)
		case quote.Volume24h.GreaterThanOrEqual(dc.Tier3MinVolume):
			t3 = append(t3, symbol)
		}
	}
	if len(t1) == 0 {
		return nil, fmt.Errorf("dynamic discovery produced empty tier 1")
	}
	if dc.Tier3Limit > 0 && len(t3) > dc.Tier3Limit {
		t3 = t3[:dc.Tier3Limit]
	}

	out := map[types.Tier]TierConfig{}
	for tier, syms := range map[types.Tier][]string{types.TierT1: t1, types.TierT2: t2, types.TierT3: t3} {
		base := b.cfg.Tiers[tier]
		base.Symbols = syms
		out[tier] = base
	}
	return out, nil
}

func (b *Builder) buildTier(ctx context.Context, tier types.Tier, tc TierConfig, regime types.Regime, excluded map[string]string) []types.UniverseAsset {
	mult := tierMultiplier(b.cfg, regime, tier)
	if mult.IsZero() {
		return nil
	}

	assets := make([]types.UniverseAsset, 0, len(tc.Symbols))
	for _, symbol := range tc.Symbols {
		if _, banned := excluded[symbol]; banned {
			continue
		}
		quote, err := b.port.GetQuote(ctx, symbol)
		if err != nil {
			b.logger.Warn("universe: quote unavailable, excluding symbol", zap.String("symbol", symbol), zap.Error(err))
			excluded[symbol] = "quote_unavailable"
			continue
		}
		book, err := b.port.GetOrderBook(ctx, symbol)
		if err != nil {
			b.logger.Warn("universe: orderbook unavailable, excluding symbol", zap.String("symbol", symbol), zap.Error(err))
			excluded[symbol] = "orderbook_unavailable"
			continue
		}

		eligible, reason, nearThreshold := b.checkLiquidity(quote, book, tc, tier)

		assets = append(assets, types.UniverseAsset{
			Symbol:           symbol,
			Tier:             tier,
			AllocationMinPct: tc.MinAllocationPct.Mul(mult),
			AllocationMaxPct: tc.MaxAllocationPct.Mul(mult),
			Volume24h:        quote.Volume24h,
			SpreadBps:        quote.SpreadBps,
			DepthUSD:         book.TotalDepthUSD,
			Eligible:         eligible,
			IneligibleReason: reason,
			NearThreshold:    nearThreshold,
		})
	}
	return assets
}

// checkLiquidity applies volume/spread/depth gates in that order, with
// the T2-only near-threshold override carved out of the volume check
// (spec.md §4.3).
func (b *Builder) checkLiquidity(quote exchange.Quote, book exchange.OrderBookDepth, tc TierConfig, tier types.Tier) (eligible bool, reason string, nearThreshold bool) {
	minVolume := decimal.Max(b.cfg.Liquidity.MinVolume24hUSD, tc.MinVolume24hUSD)
	maxSpread := decimal.Min(orDefault(b.cfg.Liquidity.MaxSpreadBps), orDefault(tc.MaxSpreadBps))
	minDepth := b.cfg.Liquidity.MinDepthUSDByTier[tier]

	if quote.Volume24h.LessThan(minVolume) {
		override := b.cfg.NearThreshold
		floor := minVolume.Mul(override.LowerMult)
		if override.Enabled && tier == types.TierT2 && quote.Volume24h.GreaterThanOrEqual(floor) {
			if quote.SpreadBps.GreaterThan(override.MaxSpreadBps) {
				return false, fmt.Sprintf("volume %s in override zone but spread %s > %s bps", quote.Volume24h, quote.SpreadBps, override.MaxSpreadBps), true
			}
			enhancedDepth := minDepth.Mul(override.DepthMultiplier)
			if book.TotalDepthUSD.LessThan(enhancedDepth) {
				return false, fmt.Sprintf("volume %s in override zone but depth %s < enhanced %s", quote.Volume24h, book.TotalDepthUSD, enhancedDepth), true
			}
			// Override zone passed; continue to spread/depth checks below with the normal bar.
			nearThreshold = true
		} else {
			return false, fmt.Sprintf("volume %s < %s", quote.Volume24h, minVolume), false
		}
	}

	if quote.SpreadBps.GreaterThan(maxSpread) {
		return false, fmt.Sprintf("spread %s bps > %s bps", quote.SpreadBps, maxSpread), nearThreshold
	}
	if book.TotalDepthUSD.LessThan(minDepth) {
		return false, fmt.Sprintf("depth %s < %s", book.TotalDepthUSD, minDepth), nearThreshold
	}
	return true, "", nearThreshold
}

func orDefault(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1 << 30)
	}
	return d
}
