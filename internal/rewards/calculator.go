package rewards

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"twist-edge/internal/domain"
)

const (
	tokenPriceKey       = "token_price:current"
	userMultiplierKey   = "user_multiplier:"
	dailyAggregateKey   = "reward_aggregate:"
	dailyAggregateTTL   = 48 * time.Hour

	baseAmount = 1.0

	// Limiares dos sinais de qualidade e seus bônus multiplicativos
	durationThresholdMs = 30000
	durationBonus       = 1.2
	scrollThreshold     = 0.5
	scrollBonus         = 1.15
	interactionsMin     = 3
	interactionsBonus   = 1.1

	premiumSiteMultiplier    = 1.5
	verifiedSiteMultiplier   = 1.0
	unverifiedSiteMultiplier = 0.5

	userMultiplierCap = 2.0
)

// Calculator calcula recompensas de VAUs válidos
type Calculator struct {
	kv                domain.KeyValueStore
	sites             map[string]domain.SiteConfig
	targetDollarValue float64
	defaultTokenPrice float64
	logger            domain.Logger
	now               func() time.Time
}

// NewCalculator cria uma nova instância do Calculator
func NewCalculator(
	kv domain.KeyValueStore,
	sites map[string]domain.SiteConfig,
	targetDollarValue, defaultTokenPrice float64,
	logger domain.Logger,
) *Calculator {
	return &Calculator{
		kv:                kv,
		sites:             sites,
		targetDollarValue: targetDollarValue,
		defaultTokenPrice: defaultTokenPrice,
		logger:            logger,
		now:               time.Now,
	}
}

// Calculate computa a recompensa de um VAU já validado
// reward = floor(targetUSD/tokenPrice * base * quality * trust * site * user),
// com piso de 1 unidade
func (c *Calculator) Calculate(ctx context.Context, vau *domain.VAUMessage, userMultiplier float64) *domain.Reward {
	tokenPrice := c.currentTokenPrice(ctx)

	quality := c.qualityMultiplier(vau.Payload)
	trust := vau.TrustScore / 100
	site := c.siteMultiplier(vau.SiteID)

	multiplier := quality * trust * site * userMultiplier
	amount := int64(math.Floor(c.targetDollarValue / tokenPrice * baseAmount * multiplier))
	if amount < 1 {
		amount = 1
	}

	return &domain.Reward{
		UserID:     vau.UserID,
		Amount:     amount,
		VAUID:      vau.ID,
		Multiplier: multiplier,
		Timestamp:  c.now().UTC(),
	}
}

// UserMultipliers busca em lote os multiplicadores por usuário
// (stake, reputação, streak), limitados a 2x; ausente vale 1x
func (c *Calculator) UserMultipliers(ctx context.Context, userIDs []string) map[string]float64 {
	multipliers := make(map[string]float64, len(userIDs))
	for _, userID := range userIDs {
		multipliers[userID] = 1.0

		data, err := c.kv.Get(ctx, userMultiplierKey+userID)
		if err != nil {
			c.logger.Warn("Failed to look up user multiplier", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if data == nil {
			continue
		}

		value, err := strconv.ParseFloat(string(data), 64)
		if err != nil || value <= 0 {
			continue
		}
		if value > userMultiplierCap {
			value = userMultiplierCap
		}
		multipliers[userID] = value
	}
	return multipliers
}

// qualityMultiplier combina duração, profundidade de scroll e interações
// Cada sinal acima do limiar contribui um bônus multiplicativo
func (c *Calculator) qualityMultiplier(payload domain.VAUPayload) float64 {
	quality := 1.0
	if payload.Duration > durationThresholdMs {
		quality *= durationBonus
	}
	if payload.ScrollDepth > scrollThreshold {
		quality *= scrollBonus
	}
	if payload.Interactions > interactionsMin {
		quality *= interactionsBonus
	}
	return quality
}

// siteMultiplier resolve o multiplicador do site
// Premium > verificado > não verificado
func (c *Calculator) siteMultiplier(siteID string) float64 {
	site, ok := c.sites[siteID]
	if !ok {
		return unverifiedSiteMultiplier
	}
	if site.Premium {
		return premiumSiteMultiplier
	}
	if site.Verified {
		return verifiedSiteMultiplier
	}
	return unverifiedSiteMultiplier
}

// currentTokenPrice lê o preço corrente do token, com fallback configurado
func (c *Calculator) currentTokenPrice(ctx context.Context) float64 {
	data, err := c.kv.Get(ctx, tokenPriceKey)
	if err != nil || data == nil {
		return c.defaultTokenPrice
	}

	price, err := strconv.ParseFloat(string(data), 64)
	if err != nil || price <= 0 {
		return c.defaultTokenPrice
	}
	return price
}

// DailyAggregate representa o agregado diário de recompensas no KV
type DailyAggregate struct {
	Date        string `json:"date"`
	Rewards     int64  `json:"rewards"`
	TotalAmount int64  `json:"totalAmount"`
}

// UpdateDailyAggregate acumula o lote no agregado diário
func (c *Calculator) UpdateDailyAggregate(ctx context.Context, batch []*domain.Reward) error {
	if len(batch) == 0 {
		return nil
	}

	date := c.now().UTC().Format("2006-01-02")
	key := dailyAggregateKey + date

	aggregate := DailyAggregate{Date: date}
	if data, err := c.kv.Get(ctx, key); err != nil {
		return err
	} else if data != nil {
		if err := json.Unmarshal(data, &aggregate); err != nil {
			return err
		}
	}

	for _, reward := range batch {
		aggregate.Rewards++
		aggregate.TotalAmount += reward.Amount
	}

	data, err := json.Marshal(aggregate)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, key, data, dailyAggregateTTL)
}
