package waf

import (
	"context"
	"fmt"
	"time"

	"twist-edge/internal/domain"
	"twist-edge/internal/ratelimit"
)

// Worker implementa domain.SecurityWorker
// Avalia o catálogo ordenado de regras, depois rate limit e geo-bloqueio
type Worker struct {
	rules            []domain.SecurityRule
	limiter          domain.RateLimiter
	policies         *ratelimit.PolicyTable
	audit            domain.AuditLogger
	blockedCountries map[string]bool
	logger           domain.Logger
}

// NewWorker cria uma nova instância do Worker com o catálogo padrão
func NewWorker(
	limiter domain.RateLimiter,
	policies *ratelimit.PolicyTable,
	audit domain.AuditLogger,
	blockedCountries []string,
	logger domain.Logger,
) *Worker {
	blocked := make(map[string]bool, len(blockedCountries))
	for _, country := range blockedCountries {
		blocked[country] = true
	}

	return &Worker{
		rules:            DefaultRules(),
		limiter:          limiter,
		policies:         policies,
		audit:            audit,
		blockedCountries: blocked,
		logger:           logger,
	}
}

// ProcessRequest avalia uma requisição contra o motor de segurança
// Negação é um valor de retorno estruturado, nunca um erro
func (w *Worker) ProcessRequest(ctx context.Context, req *domain.RequestContext) (*domain.SecurityCheckResult, error) {
	matched := make([]domain.RuleResult, 0)

	for _, rule := range w.rules {
		if !rule.Condition(req) {
			continue
		}

		result := domain.RuleResult{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Action:    rule.Action,
			Severity:  rule.Severity,
			Timestamp: time.Now().UTC(),
		}
		matched = append(matched, result)

		// Todo match vira evento de auditoria, inclusive os não-bloqueantes
		w.emitEvent(ctx, "rule_match", rule.ID, rule.Severity, req)

		if rule.Action == domain.ActionBlock {
			return &domain.SecurityCheckResult{
				Allowed: false,
				Action:  domain.ActionBlock,
				Reason:  fmt.Sprintf("blocked by rule %s", rule.ID),
				Rules:   matched,
			}, nil
		}
	}

	// Rate limit por par (IP do cliente, endpoint)
	policy := w.policies.Resolve(req.Path)
	rateResult, err := w.limiter.Check(ctx, ratelimit.Key(req.ClientIP, req.Path), policy.Limit, policy.Window)
	if err != nil {
		// Indisponibilidade do limiter não derruba a borda: fail open
		w.logger.Warn("Rate limiter unavailable, failing open", map[string]interface{}{
			"error": err.Error(),
			"path":  req.Path,
		})
	} else if !rateResult.Allowed {
		w.emitEvent(ctx, "rate_limit_exceeded", "", domain.SeverityMedium, req)
		return &domain.SecurityCheckResult{
			Allowed:   false,
			Action:    domain.ActionRateLimit,
			Reason:    "rate limit exceeded",
			Rules:     matched,
			RateLimit: rateResult,
		}, nil
	}

	// Geo-bloqueio contra a lista fixa de países sancionados
	if req.Country != "" && w.blockedCountries[req.Country] {
		w.emitEvent(ctx, "geo_block", "", domain.SeverityHigh, req)
		return &domain.SecurityCheckResult{
			Allowed:   false,
			Action:    domain.ActionGeoBlock,
			Reason:    fmt.Sprintf("country %s is not allowed", req.Country),
			Rules:     matched,
			RateLimit: rateResult,
		}, nil
	}

	return &domain.SecurityCheckResult{
		Allowed:   true,
		Action:    domain.ActionAllow,
		Rules:     matched,
		RateLimit: rateResult,
	}, nil
}

// emitEvent registra um evento de segurança; falha de auditoria não
// bloqueia o caminho da requisição
func (w *Worker) emitEvent(ctx context.Context, eventType, ruleID string, severity domain.Severity, req *domain.RequestContext) {
	event := &domain.SecurityEvent{
		Type:           eventType,
		RuleID:         ruleID,
		Severity:       severity,
		Country:        req.Country,
		RequestSummary: fmt.Sprintf("%s %s", req.Method, truncate(req.URL, 256)),
		Metadata: map[string]interface{}{
			"client_ip": req.ClientIP,
			"path":      req.Path,
		},
	}

	if err := w.audit.LogSecurityEvent(ctx, event); err != nil {
		w.logger.Error("Failed to log security event", err, map[string]interface{}{
			"event_type": eventType,
			"rule_id":    ruleID,
		})
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
