package rewards

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"twist-edge/internal/domain"
)

const (
	dedupKeyPrefix  = "vau_dedup:"
	deviceKeyPrefix = "device_trust:"

	// Marcador de dedup expira em 24h; existência implica "já recompensado"
	dedupTTL = 24 * time.Hour
)

// Validator valida mensagens VAU individualmente
// Rejeição é permanente (valor); erro sinaliza falha de infraestrutura
type Validator struct {
	kv            domain.KeyValueStore
	minTrustScore float64
	maxAge        time.Duration
	now           func() time.Time
}

// NewValidator cria uma nova instância do Validator
func NewValidator(kv domain.KeyValueStore, minTrustScore float64, maxAge time.Duration) *Validator {
	return &Validator{
		kv:            kv,
		minTrustScore: minTrustScore,
		maxAge:        maxAge,
		now:           time.Now,
	}
}

// Validate verifica um VAU: campos obrigatórios, idade, confiança do
// dispositivo e deduplicação (claim com TTL curto)
// Preenche vau.TrustScore a partir do registro de dispositivos
func (v *Validator) Validate(ctx context.Context, vau *domain.VAUMessage) (*domain.ValidationResult, error) {
	if vau.ID == "" || vau.UserID == "" || vau.DeviceID == "" || vau.SiteID == "" || vau.Timestamp == 0 || vau.Signature == "" {
		return &domain.ValidationResult{Valid: false, Reason: domain.RejectMissingFields}, nil
	}

	age := v.now().UnixMilli() - vau.Timestamp
	if age < 0 || age > v.maxAge.Milliseconds() {
		return &domain.ValidationResult{Valid: false, Reason: domain.RejectStale}, nil
	}

	device, err := v.lookupDevice(ctx, vau.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return &domain.ValidationResult{Valid: false, Reason: domain.RejectUnknownDevice}, nil
	}
	if device.TrustScore < v.minTrustScore {
		return &domain.ValidationResult{Valid: false, Reason: domain.RejectLowTrust}, nil
	}
	vau.TrustScore = device.TrustScore

	// Claim-then-expire: quem grava o marcador primeiro é o dono do VAU
	claimed, err := v.kv.PutIfAbsent(ctx, dedupKeyPrefix+vau.ID, []byte("1"), dedupTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to claim vau %s: %w", vau.ID, err)
	}
	if !claimed {
		return &domain.ValidationResult{Valid: false, Reason: domain.RejectDuplicate}, nil
	}

	return &domain.ValidationResult{Valid: true}, nil
}

// ReleaseClaim libera o marcador de dedup de um VAU
// Usado quando a recompensa falha depois da validação, para que a
// reentrega da mensagem não seja rejeitada como duplicata
func (v *Validator) ReleaseClaim(ctx context.Context, vauID string) error {
	return v.kv.Delete(ctx, dedupKeyPrefix+vauID)
}

// lookupDevice consulta o registro de confiança de dispositivos
func (v *Validator) lookupDevice(ctx context.Context, deviceID string) (*domain.DeviceRecord, error) {
	data, err := v.kv.Get(ctx, deviceKeyPrefix+deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up device %s: %w", deviceID, err)
	}
	if data == nil {
		return nil, nil
	}

	var device domain.DeviceRecord
	if err := json.Unmarshal(data, &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device %s: %w", deviceID, err)
	}
	return &device, nil
}

// RegisterDevice grava um dispositivo no registro de confiança
func RegisterDevice(ctx context.Context, kv domain.KeyValueStore, device *domain.DeviceRecord) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}
	return kv.Put(ctx, deviceKeyPrefix+device.DeviceID, data, 0)
}
