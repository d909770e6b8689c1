package cohort

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"twist-edge/internal/domain"
)

const (
	saltKeyPrefix = "cohort_salt:week:"

	// TTL de 8 dias permite pré-criar o salt da próxima semana
	// antes do salt corrente expirar
	saltTTL = 8 * 24 * time.Hour

	weekMs = int64(7 * 24 * time.Hour / time.Millisecond)
)

// SaltRotator gerencia o salt semanal usado na construção dos filtros de coorte
// Seguro para chamadas concorrentes: a criação é last-writer-wins, já que
// salts da mesma semana são intercambiáveis
type SaltRotator struct {
	kv     domain.KeyValueStore
	logger domain.Logger
	now    func() time.Time
}

// NewSaltRotator cria uma nova instância do SaltRotator
func NewSaltRotator(kv domain.KeyValueStore, logger domain.Logger) *SaltRotator {
	return &SaltRotator{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

// CurrentSalt retorna o salt da semana corrente, criando-o se necessário
func (s *SaltRotator) CurrentSalt(ctx context.Context) (string, error) {
	return s.saltForWeek(ctx, s.currentWeek())
}

// RotateSalts pré-cria o salt da próxima semana e remove o de duas semanas atrás
// Mantém exatamente a semana corrente e a seguinte recuperáveis
func (s *SaltRotator) RotateSalts(ctx context.Context) error {
	week := s.currentWeek()

	if _, err := s.saltForWeek(ctx, week+1); err != nil {
		return fmt.Errorf("failed to pre-create next week salt: %w", err)
	}

	if err := s.kv.Delete(ctx, saltKey(week-2)); err != nil {
		return fmt.Errorf("failed to delete stale salt: %w", err)
	}

	s.logger.Info("Salt rotation completed", map[string]interface{}{
		"current_week": week,
		"created_week": week + 1,
		"deleted_week": week - 2,
	})
	return nil
}

// saltForWeek retorna o salt de uma semana, criando-o quando ausente
func (s *SaltRotator) saltForWeek(ctx context.Context, week int64) (string, error) {
	key := saltKey(week)

	existing, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read salt for week %d: %w", week, err)
	}
	if existing != nil {
		return string(existing), nil
	}

	salt, err := randomSalt()
	if err != nil {
		return "", err
	}

	if err := s.kv.Put(ctx, key, []byte(salt), saltTTL); err != nil {
		return "", fmt.Errorf("failed to store salt for week %d: %w", week, err)
	}

	s.logger.Info("Weekly salt created", map[string]interface{}{"week": week})
	return salt, nil
}

func (s *SaltRotator) currentWeek() int64 {
	return s.now().UnixMilli() / weekMs
}

func saltKey(week int64) string {
	return fmt.Sprintf("%s%d", saltKeyPrefix, week)
}

// randomSalt gera um token aleatório opaco de 32 bytes
func randomSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
