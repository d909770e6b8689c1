package domain

import (
	"context"
	"time"
)

// KeyValueStore define a interface para armazenamento chave-valor
// Implementa o Strategy Pattern: Redis em produção, memória em testes
type KeyValueStore interface {
	// Get recupera o valor de uma chave; retorna nil se não existir
	Get(ctx context.Context, key string) ([]byte, error)

	// Put grava o valor de uma chave com TTL opcional (0 = sem expiração)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent grava apenas se a chave não existir; retorna true se gravou
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete remove uma chave
	Delete(ctx context.Context, key string) error

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error
}

// BlobStore define a interface para armazenamento de objetos
type BlobStore interface {
	// Put grava um objeto com metadados opcionais
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error

	// Get recupera um objeto; retorna nil se não existir
	Get(ctx context.Context, key string) ([]byte, error)

	// List retorna as chaves com um prefixo, em ordem lexicográfica
	List(ctx context.Context, prefix string, limit int) ([]string, error)
}

// QueueMessage representa uma mensagem entregue pela fila
// Ack remove permanentemente; Retry devolve para reentrega
type QueueMessage struct {
	ID        string
	Timestamp time.Time
	Body      []byte
	Ack       func() error
	Retry     func() error
}

// QueueBatch representa um lote de mensagens entregues de uma vez
type QueueBatch struct {
	Messages []*QueueMessage
}

// Queue define a interface da fila de atividades com entrega at-least-once
type Queue interface {
	// Send enfileira uma mensagem
	Send(ctx context.Context, body []byte) error

	// Receive aguarda e retorna um lote com até max mensagens
	Receive(ctx context.Context, max int) (*QueueBatch, error)
}

// ActorStore define a interface de atores duráveis por chave
// Garante serialização single-writer por chave entre nós concorrentes
type ActorStore interface {
	// Invoke executa uma operação no ator da chave e retorna a resposta
	Invoke(ctx context.Context, key, op string, payload []byte) ([]byte, error)
}

// Pager define a interface do endpoint externo de alertas críticos
// Chamadas são fire-and-forget: falha é logada, nunca propagada
type Pager interface {
	Page(ctx context.Context, dedupKey, summary string, details map[string]string) error
}

// AuditLogger define a interface do log de eventos de segurança
type AuditLogger interface {
	// LogSecurityEvent registra um evento no log particionado por data/hora
	LogSecurityEvent(ctx context.Context, event *SecurityEvent) error

	// SecurityMetrics retorna o rollup de um dia (formato 2006-01-02)
	SecurityMetrics(ctx context.Context, date string) (*SecurityMetrics, error)

	// QueryLogs retorna eventos filtrados, mais recentes primeiro
	QueryLogs(ctx context.Context, query *LogQuery) ([]*SecurityEvent, error)
}

// RateLimiter define a interface do rate limiter distribuído
type RateLimiter interface {
	// Check incrementa e verifica a janela corrente de uma chave
	Check(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error)
}

// SecurityWorker define a interface do motor de regras de segurança
type SecurityWorker interface {
	// ProcessRequest avalia o catálogo de regras, rate limit e geo-bloqueio
	ProcessRequest(ctx context.Context, req *RequestContext) (*SecurityCheckResult, error)
}

// CohortService define a interface de segmentação por coortes
type CohortService interface {
	// CreateCohortFilter cria e persiste um filtro; retorna o id opaco
	CreateCohortFilter(ctx context.Context, criteria CohortCriteria) (string, error)

	// CheckCohortMembership testa a pertinência de um usuário a um filtro
	CheckCohortMembership(ctx context.Context, userID, filterID string) (bool, error)
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}
