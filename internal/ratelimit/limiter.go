package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"twist-edge/internal/domain"
	"twist-edge/internal/storage"
)

// Limiter implementa domain.RateLimiter sobre o keyed-actor store
// Toda chave tem um único dono lógico: nós de borda concorrentes são
// serializados pelo ator, evitando corridas de contadores independentes
type Limiter struct {
	actors domain.ActorStore
	logger domain.Logger
	now    func() time.Time
}

// NewLimiter cria uma nova instância do Limiter
func NewLimiter(actors domain.ActorStore, logger domain.Logger) *Limiter {
	return &Limiter{
		actors: actors,
		logger: logger,
		now:    time.Now,
	}
}

// Check incrementa e verifica a janela corrente de uma chave
// Janela nova ou expirada inicia com count=1; senão incrementa e
// allowed = count <= limit
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*domain.RateLimitResult, error) {
	payload, err := json.Marshal(storage.RateCheckRequest{
		Limit:    limit,
		WindowMs: window.Milliseconds(),
		NowMs:    l.now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rate check request: %w", err)
	}

	response, err := l.actors.Invoke(ctx, key, storage.OpRateCheck, payload)
	if err != nil {
		return nil, fmt.Errorf("rate check failed for key %s: %w", key, err)
	}

	var w domain.RateLimitWindow
	if err := json.Unmarshal(response, &w); err != nil {
		return nil, fmt.Errorf("invalid rate window for key %s: %w", key, err)
	}

	remaining := limit - w.Count
	if remaining < 0 {
		remaining = 0
	}

	return &domain.RateLimitResult{
		Allowed:   w.Count <= limit,
		Count:     w.Count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(w.WindowStart + w.WindowMs),
	}, nil
}

// PolicyTable resolve a política de rate limit de um endpoint
// Prefixo mais longo vence; o caminho vazio define a política padrão
type PolicyTable struct {
	policies []domain.RateLimitPolicy
}

// NewPolicyTable cria a tabela de políticas por endpoint
func NewPolicyTable(defaultLimit int, defaultWindow time.Duration, activityLimit int) *PolicyTable {
	return &PolicyTable{
		policies: []domain.RateLimitPolicy{
			{PathPrefix: "/v1/activity", Limit: activityLimit, Window: defaultWindow},
			{PathPrefix: "", Limit: defaultLimit, Window: defaultWindow},
		},
	}
}

// Resolve retorna a política aplicável a um caminho
func (t *PolicyTable) Resolve(path string) domain.RateLimitPolicy {
	best := domain.RateLimitPolicy{}
	bestLen := -1
	for _, p := range t.policies {
		if strings.HasPrefix(path, p.PathPrefix) && len(p.PathPrefix) > bestLen {
			best = p
			bestLen = len(p.PathPrefix)
		}
	}
	return best
}

// Key monta a chave canônica de rate limit para um par (IP, endpoint)
func Key(clientIP, path string) string {
	return fmt.Sprintf("ip:%s:%s", clientIP, path)
}
