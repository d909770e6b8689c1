package queueproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"twist-edge/internal/domain"
	"twist-edge/internal/metrics"
	"twist-edge/internal/rewards"
)

const (
	// Partição horária do blob de analytics, espelhando o log de segurança
	analyticsPrefix = "analytics/"

	outcomeRewarded  = "rewarded"
	outcomeMalformed = "malformed"

	receiveBackoff = time.Second
)

// Processor consome a fila de atividades em lotes: valida cada VAU,
// calcula recompensas, publica na fila de recompensas e grava analytics
// Entrega at-least-once: rejeição permanente faz Ack, falha de
// infraestrutura faz Retry do chunk inteiro sem ack parcial
type Processor struct {
	activity   domain.Queue
	rewardsOut domain.Queue
	blobs      domain.BlobStore
	validator  *rewards.Validator
	calculator *rewards.Calculator
	collector  *metrics.Collector
	logger     domain.Logger

	batchSize    int
	chunkSize    int
	batchTimeout time.Duration

	now func() time.Time
}

// NewProcessor cria uma nova instância do Processor
func NewProcessor(
	activity, rewardsOut domain.Queue,
	blobs domain.BlobStore,
	validator *rewards.Validator,
	calculator *rewards.Calculator,
	collector *metrics.Collector,
	logger domain.Logger,
	batchSize, chunkSize int,
	batchTimeout time.Duration,
) *Processor {
	return &Processor{
		activity:     activity,
		rewardsOut:   rewardsOut,
		blobs:        blobs,
		validator:    validator,
		calculator:   calculator,
		collector:    collector,
		logger:       logger,
		batchSize:    batchSize,
		chunkSize:    chunkSize,
		batchTimeout: batchTimeout,
		now:          time.Now,
	}
}

// Run consome a fila até o contexto ser cancelado
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Queue processor started", map[string]interface{}{
		"batch_size": p.batchSize,
		"chunk_size": p.chunkSize,
	})

	for {
		batch, err := p.activity.Receive(ctx, p.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Queue processor stopped", nil)
				return nil
			}
			p.logger.Error("Failed to receive activity batch", err, nil)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}

		p.ProcessBatch(ctx, batch)
	}
}

// entry associa a mensagem da fila ao VAU decodificado
type entry struct {
	msg *domain.QueueMessage
	vau *domain.VAUMessage
}

// ProcessBatch processa um lote recebido: decodifica, agrupa por usuário
// em chunks limitados e processa cada chunk sob o deadline do lote
func (p *Processor) ProcessBatch(ctx context.Context, batch *domain.QueueBatch) {
	if batch == nil || len(batch.Messages) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.batchTimeout)
	defer cancel()

	entries := make([]*entry, 0, len(batch.Messages))
	for _, msg := range batch.Messages {
		var vau domain.VAUMessage
		if err := json.Unmarshal(msg.Body, &vau); err != nil {
			// Mensagem ilegível nunca vai ficar legível: ack permanente
			p.logger.Warn("Discarding malformed activity message", map[string]interface{}{
				"message_id": msg.ID,
				"error":      err.Error(),
			})
			p.collector.VAUProcessed.WithLabelValues(outcomeMalformed).Inc()
			p.ack(msg)
			continue
		}
		entries = append(entries, &entry{msg: msg, vau: &vau})
	}

	for _, chunk := range p.chunkByUser(entries) {
		p.processChunk(ctx, chunk)
	}
}

// chunkByUser agrupa as entradas por usuário e fatia em chunks limitados,
// mantendo as mensagens de um mesmo usuário no mesmo chunk quando possível
func (p *Processor) chunkByUser(entries []*entry) [][]*entry {
	byUser := make(map[string][]*entry)
	order := make([]string, 0)
	for _, e := range entries {
		if _, seen := byUser[e.vau.UserID]; !seen {
			order = append(order, e.vau.UserID)
		}
		byUser[e.vau.UserID] = append(byUser[e.vau.UserID], e)
	}

	chunks := make([][]*entry, 0)
	current := make([]*entry, 0, p.chunkSize)
	for _, userID := range order {
		group := byUser[userID]
		if len(current) > 0 && len(current)+len(group) > p.chunkSize {
			chunks = append(chunks, current)
			current = make([]*entry, 0, p.chunkSize)
		}
		current = append(current, group...)
		for len(current) >= p.chunkSize {
			chunks = append(chunks, current[:p.chunkSize])
			current = current[p.chunkSize:]
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// processChunk valida e recompensa um chunk
// Qualquer falha de infraestrutura devolve o chunk inteiro para a fila
func (p *Processor) processChunk(ctx context.Context, chunk []*entry) {
	valid := make([]*entry, 0, len(chunk))
	for i, e := range chunk {
		result, err := p.validator.Validate(ctx, e.vau)
		if err != nil {
			p.logger.Error("Validation infrastructure failure, retrying chunk", err, map[string]interface{}{
				"chunk_size": len(chunk),
			})
			// Mensagens rejeitadas antes deste ponto já foram confirmadas
			p.retryChunk(ctx, append(append([]*entry{}, valid...), chunk[i:]...), valid)
			return
		}
		if !result.Valid {
			p.collector.VAUProcessed.WithLabelValues(string(result.Reason)).Inc()
			p.ack(e.msg)
			continue
		}
		valid = append(valid, e)
	}

	if len(valid) == 0 {
		return
	}

	if err := p.rewardChunk(ctx, valid); err != nil {
		p.logger.Error("Reward pipeline failure, retrying chunk", err, map[string]interface{}{
			"valid": len(valid),
		})
		p.retryChunk(ctx, valid, valid)
		return
	}

	for _, e := range valid {
		p.collector.VAUProcessed.WithLabelValues(outcomeRewarded).Inc()
		p.ack(e.msg)
	}
}

// rewardChunk calcula e publica as recompensas dos VAUs válidos
// e grava o blob de analytics e o agregado diário
func (p *Processor) rewardChunk(ctx context.Context, valid []*entry) error {
	userIDs := make([]string, 0, len(valid))
	seen := make(map[string]bool, len(valid))
	for _, e := range valid {
		if !seen[e.vau.UserID] {
			seen[e.vau.UserID] = true
			userIDs = append(userIDs, e.vau.UserID)
		}
	}
	multipliers := p.calculator.UserMultipliers(ctx, userIDs)

	batch := make([]*domain.Reward, 0, len(valid))
	for _, e := range valid {
		reward := p.calculator.Calculate(ctx, e.vau, multipliers[e.vau.UserID])
		data, err := json.Marshal(reward)
		if err != nil {
			return fmt.Errorf("failed to marshal reward for vau %s: %w", e.vau.ID, err)
		}
		if err := p.rewardsOut.Send(ctx, data); err != nil {
			return fmt.Errorf("failed to enqueue reward for vau %s: %w", e.vau.ID, err)
		}
		batch = append(batch, reward)

		p.collector.RewardsIssued.Inc()
		p.collector.RewardAmount.Add(float64(reward.Amount))
	}

	if err := p.writeAnalytics(ctx, valid, batch); err != nil {
		return fmt.Errorf("failed to write analytics: %w", err)
	}
	if err := p.calculator.UpdateDailyAggregate(ctx, batch); err != nil {
		return fmt.Errorf("failed to update daily aggregate: %w", err)
	}
	return nil
}

// analyticsEvent é o resumo anonimizado de um VAU recompensado
// Identificadores de usuário e dispositivo nunca saem em claro
type analyticsEvent struct {
	UserHash     string  `json:"userHash"`
	DeviceHash   string  `json:"deviceHash"`
	SiteID       string  `json:"siteId"`
	Duration     int64   `json:"duration"`
	ScrollDepth  float64 `json:"scrollDepth"`
	Interactions int     `json:"interactions"`
	TrustScore   float64 `json:"trustScore"`
	Amount       int64   `json:"amount"`
}

// analyticsRecord é o documento gravado por chunk no blob store
type analyticsRecord struct {
	GeneratedAt   time.Time        `json:"generatedAt"`
	Events        []analyticsEvent `json:"events"`
	TotalEvents   int              `json:"totalEvents"`
	UniqueUsers   int              `json:"uniqueUsers"`
	UniqueDevices int              `json:"uniqueDevices"`
	UniqueSites   int              `json:"uniqueSites"`
	AvgTrustScore float64          `json:"avgTrustScore"`
}

func (p *Processor) writeAnalytics(ctx context.Context, valid []*entry, batch []*domain.Reward) error {
	now := p.now().UTC()

	record := analyticsRecord{
		GeneratedAt: now,
		Events:      make([]analyticsEvent, 0, len(valid)),
		TotalEvents: len(valid),
	}

	users := make(map[string]bool)
	devices := make(map[string]bool)
	sites := make(map[string]bool)
	trustSum := 0.0
	for i, e := range valid {
		users[e.vau.UserID] = true
		devices[e.vau.DeviceID] = true
		sites[e.vau.SiteID] = true
		trustSum += e.vau.TrustScore

		record.Events = append(record.Events, analyticsEvent{
			UserHash:     anonymize(e.vau.UserID),
			DeviceHash:   anonymize(e.vau.DeviceID),
			SiteID:       e.vau.SiteID,
			Duration:     e.vau.Payload.Duration,
			ScrollDepth:  e.vau.Payload.ScrollDepth,
			Interactions: e.vau.Payload.Interactions,
			TrustScore:   e.vau.TrustScore,
			Amount:       batch[i].Amount,
		})
	}
	record.UniqueUsers = len(users)
	record.UniqueDevices = len(devices)
	record.UniqueSites = len(sites)
	record.AvgTrustScore = trustSum / float64(len(valid))

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s%s/%02d/%d-%s",
		analyticsPrefix,
		now.Format("2006-01-02"),
		now.Hour(),
		now.UnixNano(),
		uuid.New().String()[:8],
	)
	return p.blobs.Put(ctx, key, data, map[string]string{
		"events": fmt.Sprintf("%d", len(valid)),
	})
}

// retryChunk devolve as mensagens não confirmadas para reentrega
// Marcadores de dedup dos VAUs já validados são liberados antes,
// para a reentrega não ser rejeitada como duplicata
func (p *Processor) retryChunk(ctx context.Context, chunk, claimed []*entry) {
	for _, e := range claimed {
		if err := p.validator.ReleaseClaim(ctx, e.vau.ID); err != nil {
			p.logger.Warn("Failed to release dedup claim", map[string]interface{}{
				"vau_id": e.vau.ID,
				"error":  err.Error(),
			})
		}
	}
	for _, e := range chunk {
		if err := e.msg.Retry(); err != nil {
			p.logger.Error("Failed to retry message", err, map[string]interface{}{
				"message_id": e.msg.ID,
			})
		}
	}
}

func (p *Processor) ack(msg *domain.QueueMessage) {
	if err := msg.Ack(); err != nil {
		p.logger.Warn("Failed to ack message", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}
}

// anonymize reduz um identificador a um hash curto e irreversível
func anonymize(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}
