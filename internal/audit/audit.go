package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"twist-edge/internal/domain"
	"twist-edge/internal/metrics"

	"github.com/google/uuid"
)

const (
	logPrefix        = "security-logs/"
	metricsKeyPrefix = "security_metrics:"
	metricsTTL       = 30 * 24 * time.Hour

	defaultQueryLimit = 100
)

// Logger implementa domain.AuditLogger
// Eventos vão para o blob store particionado por data/hora; rollups diários
// ficam no KV; severidade critical dispara o pager em background
type Logger struct {
	blobs     domain.BlobStore
	kv        domain.KeyValueStore
	pager     domain.Pager
	collector *metrics.Collector
	logger    domain.Logger
	now       func() time.Time
}

// NewLogger cria uma nova instância do audit logger
func NewLogger(blobs domain.BlobStore, kv domain.KeyValueStore, pager domain.Pager, collector *metrics.Collector, logger domain.Logger) *Logger {
	return &Logger{
		blobs:     blobs,
		kv:        kv,
		pager:     pager,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
}

// LogSecurityEvent registra um evento no log append-only
func (l *Logger) LogSecurityEvent(ctx context.Context, event *domain.SecurityEvent) error {
	event.Timestamp = l.now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}

	// Partição por data/hora; sufixo com nanos + uuid mantém a ordem e evita colisão
	key := fmt.Sprintf("%s%s/%02d/%019d-%s",
		logPrefix,
		event.Timestamp.Format("2006-01-02"),
		event.Timestamp.Hour(),
		event.Timestamp.UnixNano(),
		uuid.New().String()[:8],
	)

	if err := l.blobs.Put(ctx, key, data, map[string]string{"type": event.Type}); err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}

	if err := l.updateRollup(ctx, event); err != nil {
		// Rollup é best-effort: o evento já está no log durável
		l.logger.Warn("Failed to update security metrics rollup", map[string]interface{}{
			"error": err.Error(),
		})
	}

	l.collector.SecurityEvents.WithLabelValues(event.RuleID, event.Type, string(event.Severity)).Inc()

	// Alerta crítico é fire-and-forget: falha nunca bloqueia o caller
	if event.Severity == domain.SeverityCritical {
		go l.dispatchAlert(event)
	}

	return nil
}

// SecurityMetrics retorna o rollup de um dia (formato 2006-01-02)
// Dia vazio retorna contadores zerados
func (l *Logger) SecurityMetrics(ctx context.Context, date string) (*domain.SecurityMetrics, error) {
	if date == "" {
		date = l.now().UTC().Format("2006-01-02")
	}

	data, err := l.kv.Get(ctx, metricsKeyPrefix+date)
	if err != nil {
		return nil, fmt.Errorf("failed to read security metrics for %s: %w", date, err)
	}
	if data == nil {
		return emptyMetrics(date), nil
	}

	var rollup domain.SecurityMetrics
	if err := json.Unmarshal(data, &rollup); err != nil {
		return nil, fmt.Errorf("failed to unmarshal security metrics for %s: %w", date, err)
	}
	return &rollup, nil
}

// QueryLogs varre as partições cobertas pelo intervalo e aplica os filtros
// Retorna os eventos mais recentes primeiro, limitado por query.Limit
func (l *Logger) QueryLogs(ctx context.Context, query *domain.LogQuery) ([]*domain.SecurityEvent, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	events := make([]*domain.SecurityEvent, 0)

	// Uma partição por hora dentro do intervalo
	start := query.StartTime.UTC().Truncate(time.Hour)
	end := query.EndTime.UTC()
	for hour := start; !hour.After(end); hour = hour.Add(time.Hour) {
		prefix := fmt.Sprintf("%s%s/%02d/", logPrefix, hour.Format("2006-01-02"), hour.Hour())

		keys, err := l.blobs.List(ctx, prefix, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list partition %s: %w", prefix, err)
		}

		for _, key := range keys {
			data, err := l.blobs.Get(ctx, key)
			if err != nil || data == nil {
				continue
			}

			var event domain.SecurityEvent
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}

			if event.Timestamp.Before(query.StartTime) || event.Timestamp.After(query.EndTime) {
				continue
			}
			if query.RuleID != "" && event.RuleID != query.RuleID {
				continue
			}
			if query.Severity != "" && event.Severity != query.Severity {
				continue
			}

			events = append(events, &event)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// updateRollup incrementa o rollup diário do evento
// Leitura-modificação-escrita: sob concorrência vale o último escritor,
// o log particionado continua sendo a fonte da verdade
func (l *Logger) updateRollup(ctx context.Context, event *domain.SecurityEvent) error {
	date := event.Timestamp.Format("2006-01-02")
	key := metricsKeyPrefix + date

	rollup := emptyMetrics(date)
	if data, err := l.kv.Get(ctx, key); err != nil {
		return err
	} else if data != nil {
		if err := json.Unmarshal(data, rollup); err != nil {
			return err
		}
	}

	rollup.Total++
	rollup.ByType[event.Type]++
	if event.Severity != "" {
		rollup.BySeverity[string(event.Severity)]++
	}
	if event.RuleID != "" {
		rollup.ByRule[event.RuleID]++
	}
	if event.Country != "" {
		rollup.ByCountry[event.Country]++
	}

	data, err := json.Marshal(rollup)
	if err != nil {
		return err
	}
	return l.kv.Put(ctx, key, data, metricsTTL)
}

// dispatchAlert envia o alerta crítico em background
func (l *Logger) dispatchAlert(event *domain.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dedupKey := fmt.Sprintf("%s:%s:%s", event.Type, event.RuleID, event.Timestamp.Format("2006-01-02T15"))
	details := map[string]string{
		"type":     event.Type,
		"rule_id":  event.RuleID,
		"severity": string(event.Severity),
		"summary":  event.RequestSummary,
	}

	if err := l.pager.Page(ctx, dedupKey, "Critical security event at the edge", details); err != nil {
		l.logger.Error("Failed to dispatch critical alert", err, map[string]interface{}{
			"dedup_key": dedupKey,
		})
	}
}

func emptyMetrics(date string) *domain.SecurityMetrics {
	return &domain.SecurityMetrics{
		Date:       date,
		ByType:     make(map[string]int64),
		BySeverity: make(map[string]int64),
		ByRule:     make(map[string]int64),
		ByCountry:  make(map[string]int64),
	}
}
