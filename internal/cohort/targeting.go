package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"twist-edge/internal/bloom"
	"twist-edge/internal/domain"

	"github.com/google/uuid"
)

const (
	filterKeyPrefix = "cohort_filter:"
	filterTTL       = 7 * 24 * time.Hour

	// Dimensionamento para campanhas de grande alcance
	filterExpectedItems     = 100000
	filterFalsePositiveRate = 0.01
)

// ErrEmptyCriteria indica critérios de campanha sem nenhum coorte
var ErrEmptyCriteria = errors.New("cohort criteria must name at least one cohort")

// Targeting implementa domain.CohortService sobre bloom filters salgados
// Os filtros persistidos contêm apenas bits opacos e os metadados da campanha,
// nunca identificadores de usuário em claro
type Targeting struct {
	kv     domain.KeyValueStore
	salts  *SaltRotator
	logger domain.Logger
}

// NewTargeting cria uma nova instância do serviço de coortes
func NewTargeting(kv domain.KeyValueStore, salts *SaltRotator, logger domain.Logger) *Targeting {
	return &Targeting{
		kv:     kv,
		salts:  salts,
		logger: logger,
	}
}

// CreateCohortFilter constrói e persiste um filtro para os coortes informados
// Retorna o id opaco sob o qual o filtro foi armazenado
func (t *Targeting) CreateCohortFilter(ctx context.Context, criteria domain.CohortCriteria) (string, error) {
	if len(criteria.Cohorts) == 0 {
		return "", ErrEmptyCriteria
	}

	salt, err := t.salts.CurrentSalt(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve current salt: %w", err)
	}

	filter := bloom.New(filterExpectedItems, filterFalsePositiveRate)
	for _, cohort := range criteria.Cohorts {
		filter.Add(saltedDigest(salt, cohort))
	}

	serialized, err := filter.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize cohort filter: %w", err)
	}

	record := domain.CohortFilterRecord{
		Filter:    serialized,
		Criteria:  criteria,
		Salt:      salt,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cohort filter record: %w", err)
	}

	filterID := uuid.New().String()
	if err := t.kv.Put(ctx, filterKeyPrefix+filterID, data, filterTTL); err != nil {
		return "", fmt.Errorf("failed to store cohort filter: %w", err)
	}

	t.logger.Info("Cohort filter created", map[string]interface{}{
		"filter_id": filterID,
		"campaign":  criteria.Name,
		"cohorts":   len(criteria.Cohorts),
	})
	return filterID, nil
}

// CheckCohortMembership testa se o coorte derivado do usuário pertence ao filtro
// Retorna false para filtros ausentes ou expirados
func (t *Targeting) CheckCohortMembership(ctx context.Context, userID, filterID string) (bool, error) {
	data, err := t.kv.Get(ctx, filterKeyPrefix+filterID)
	if err != nil {
		return false, fmt.Errorf("failed to read cohort filter %s: %w", filterID, err)
	}
	if data == nil {
		return false, nil
	}

	var record domain.CohortFilterRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return false, fmt.Errorf("failed to unmarshal cohort filter %s: %w", filterID, err)
	}

	filter, err := bloom.Deserialize(record.Filter)
	if err != nil {
		return false, fmt.Errorf("failed to deserialize cohort filter %s: %w", filterID, err)
	}

	cohort := UserCohort(userID)
	return filter.Contains(saltedDigest(record.Salt, cohort)), nil
}

// Faixas usadas na derivação determinística de coortes
var (
	ageBrackets     = []string{"18-24", "25-34", "35-44", "45+"}
	interestBuckets = []string{"tech", "finance", "gaming", "sports", "lifestyle", "news", "travel", "music"}
)

// UserCohort deriva o coorte de um usuário a partir do hash do seu id
// Determinístico entre chamadas e entre instâncias: nenhum estado em memória
func UserCohort(userID string) string {
	sum := sha256.Sum256([]byte(userID))

	age := ageBrackets[int(sum[0])%len(ageBrackets)]
	interest := interestBuckets[int(sum[1])%len(interestBuckets)]
	shard := int(sum[2]) % 10

	return fmt.Sprintf("age:%s|interest:%s|shard:%d", age, interest, shard)
}

// saltedDigest calcula hex(sha256(salt || cohort))
func saltedDigest(salt, cohort string) string {
	sum := sha256.Sum256([]byte(salt + cohort))
	return hex.EncodeToString(sum[:])
}
