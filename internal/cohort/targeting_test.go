package cohort

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"twist-edge/internal/domain"
	"twist-edge/internal/logger"
	"twist-edge/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTargeting() (*Targeting, *storage.MemoryKVStore) {
	kv := storage.NewMemoryKVStore()
	log := logger.NewLogger("error", "json")
	return NewTargeting(kv, NewSaltRotator(kv, log), log), kv
}

func TestUserCohortDeterministic(t *testing.T) {
	// Mesma derivação entre chamadas repetidas e instâncias novas
	for i := 0; i < 10; i++ {
		assert.Equal(t, UserCohort("user-42"), UserCohort("user-42"))
	}

	cohort := UserCohort("user-42")
	assert.Regexp(t, `^age:[0-9+\-]+\|interest:[a-z]+\|shard:\d$`, cohort)
}

func TestUserCohortDistribution(t *testing.T) {
	distinct := make(map[string]bool)
	for i := 0; i < 100; i++ {
		distinct[UserCohort(fmt.Sprintf("user-%d", i))] = true
	}
	assert.GreaterOrEqual(t, len(distinct), 10)
}

func TestCreateCohortFilterAndMembership(t *testing.T) {
	ctx := context.Background()
	targeting, _ := newTestTargeting()

	member := "user-42"
	criteria := domain.CohortCriteria{
		Name:    "summer-campaign",
		Cohorts: []string{UserCohort(member)},
	}

	filterID, err := targeting.CreateCohortFilter(ctx, criteria)
	require.NoError(t, err)
	assert.NotEmpty(t, filterID)

	isMember, err := targeting.CheckCohortMembership(ctx, member, filterID)
	require.NoError(t, err)
	assert.True(t, isMember)

	other, err := targeting.CheckCohortMembership(ctx, "user-with-another-cohort-xyz", filterID)
	require.NoError(t, err)
	if UserCohort("user-with-another-cohort-xyz") != UserCohort(member) {
		assert.False(t, other)
	}
}

func TestCheckCohortMembershipFreshInstance(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKVStore()
	log := logger.NewLogger("error", "json")

	first := NewTargeting(kv, NewSaltRotator(kv, log), log)
	member := "user-7"

	filterID, err := first.CreateCohortFilter(ctx, domain.CohortCriteria{
		Name:    "retarget",
		Cohorts: []string{UserCohort(member)},
	})
	require.NoError(t, err)

	// Outra instância sobre o mesmo storage chega ao mesmo veredito
	second := NewTargeting(kv, NewSaltRotator(kv, log), log)
	isMember, err := second.CheckCohortMembership(ctx, member, filterID)
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestCheckCohortMembershipAbsentFilter(t *testing.T) {
	ctx := context.Background()
	targeting, _ := newTestTargeting()

	isMember, err := targeting.CheckCohortMembership(ctx, "user-1", "missing-filter-id")
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestCreateCohortFilterEmptyCriteria(t *testing.T) {
	targeting, _ := newTestTargeting()

	_, err := targeting.CreateCohortFilter(context.Background(), domain.CohortCriteria{Name: "empty"})
	assert.Error(t, err)
}

func TestPersistedFilterHidesCohorts(t *testing.T) {
	ctx := context.Background()
	targeting, kv := newTestTargeting()

	cohort := UserCohort("user-99")
	filterID, err := targeting.CreateCohortFilter(ctx, domain.CohortCriteria{
		Name:    "privacy-check",
		Cohorts: []string{cohort},
	})
	require.NoError(t, err)

	raw, err := kv.Get(ctx, filterKeyPrefix+filterID)
	require.NoError(t, err)
	require.NotNil(t, raw)

	// O conteúdo serializado do filtro não expõe o coorte em claro
	// (os critérios da campanha ficam ao lado apenas como metadado auditável)
	var record domain.CohortFilterRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.NotContains(t, string(record.Filter), cohort)
}
