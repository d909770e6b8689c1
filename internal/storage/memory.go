package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"twist-edge/internal/domain"

	"github.com/google/uuid"
)

// memoryEntry representa um valor com expiração opcional
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKVStore implementa domain.KeyValueStore em memória
// Usado em testes e como fallback quando o Redis não está disponível
type MemoryKVStore struct {
	data  map[string]*memoryEntry
	mutex sync.RWMutex
}

// NewMemoryKVStore cria uma nova instância do MemoryKVStore
func NewMemoryKVStore() *MemoryKVStore {
	store := &MemoryKVStore{
		data: make(map[string]*memoryEntry),
	}

	// Limpeza periódica de chaves expiradas
	go store.cleanup()

	return store
}

// Get recupera o valor de uma chave; retorna nil se não existir
func (m *MemoryKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entry, exists := m.data[key]
	if !exists || entry.expired(time.Now()) {
		return nil, nil
	}

	// Cria cópia para evitar modificações externas
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Put grava o valor de uma chave com TTL opcional
func (m *MemoryKVStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	entry := &memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = entry
	return nil
}

// PutIfAbsent grava apenas se a chave não existir; retorna true se gravou
func (m *MemoryKVStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if entry, exists := m.data[key]; exists && !entry.expired(time.Now()) {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	entry := &memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = entry
	return true, nil
}

// Delete remove uma chave
func (m *MemoryKVStore) Delete(ctx context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.data, key)
	return nil
}

// Health verifica se o storage está saudável
func (m *MemoryKVStore) Health(ctx context.Context) error {
	return nil
}

// cleanup remove periodicamente as chaves expiradas
func (m *MemoryKVStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		m.mutex.Lock()
		for key, entry := range m.data {
			if entry.expired(now) {
				delete(m.data, key)
			}
		}
		m.mutex.Unlock()
	}
}

// MemoryBlobStore implementa domain.BlobStore em memória
type MemoryBlobStore struct {
	blobs    map[string][]byte
	metadata map[string]map[string]string
	mutex    sync.RWMutex
}

// NewMemoryBlobStore cria uma nova instância do MemoryBlobStore
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

// Put grava um objeto com metadados opcionais
func (m *MemoryBlobStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[key] = stored
	if metadata != nil {
		m.metadata[key] = metadata
	}
	return nil
}

// Get recupera um objeto; retorna nil se não existir
func (m *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	data, exists := m.blobs[key]
	if !exists {
		return nil, nil
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List retorna as chaves com um prefixo, em ordem lexicográfica
func (m *MemoryBlobStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]string, 0)
	for key := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// memoryQueueItem representa uma mensagem pendente na fila em memória
type memoryQueueItem struct {
	id        string
	timestamp time.Time
	body      []byte
}

// MemoryQueue implementa domain.Queue em memória com semântica at-least-once
type MemoryQueue struct {
	pending []*memoryQueueItem
	mutex   sync.Mutex
	notify  chan struct{}
}

// NewMemoryQueue cria uma nova instância do MemoryQueue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make([]*memoryQueueItem, 0),
		notify:  make(chan struct{}, 1),
	}
}

// Send enfileira uma mensagem
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	stored := make([]byte, len(body))
	copy(stored, body)

	q.mutex.Lock()
	q.pending = append(q.pending, &memoryQueueItem{
		id:        uuid.New().String(),
		timestamp: time.Now(),
		body:      stored,
	})
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive aguarda e retorna um lote com até max mensagens
// Ack remove permanentemente; Retry devolve a mensagem para o fim da fila
func (q *MemoryQueue) Receive(ctx context.Context, max int) (*domain.QueueBatch, error) {
	for {
		q.mutex.Lock()
		if len(q.pending) > 0 {
			n := len(q.pending)
			if max > 0 && n > max {
				n = max
			}
			items := q.pending[:n]
			q.pending = q.pending[n:]
			q.mutex.Unlock()

			batch := &domain.QueueBatch{Messages: make([]*domain.QueueMessage, 0, n)}
			for _, item := range items {
				item := item
				batch.Messages = append(batch.Messages, &domain.QueueMessage{
					ID:        item.id,
					Timestamp: item.timestamp,
					Body:      item.body,
					Ack:       func() error { return nil },
					Retry: func() error {
						q.mutex.Lock()
						q.pending = append(q.pending, item)
						q.mutex.Unlock()
						return nil
					},
				})
			}
			return batch, nil
		}
		q.mutex.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len retorna o número de mensagens pendentes (apenas para testes)
func (q *MemoryQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.pending)
}

// MemoryActorStore implementa domain.ActorStore em memória
// Serializa as operações de cada chave por um mutex dedicado
type MemoryActorStore struct {
	actors map[string]*memoryActor
	mutex  sync.Mutex
}

type memoryActor struct {
	mu     sync.Mutex
	window *domain.RateLimitWindow
}

// NewMemoryActorStore cria uma nova instância do MemoryActorStore
func NewMemoryActorStore() *MemoryActorStore {
	return &MemoryActorStore{
		actors: make(map[string]*memoryActor),
	}
}

// Invoke executa uma operação no ator da chave, serializada por chave
func (s *MemoryActorStore) Invoke(ctx context.Context, key, op string, payload []byte) ([]byte, error) {
	s.mutex.Lock()
	actor, exists := s.actors[key]
	if !exists {
		actor = &memoryActor{}
		s.actors[key] = actor
	}
	s.mutex.Unlock()

	actor.mu.Lock()
	defer actor.mu.Unlock()

	switch op {
	case OpRateCheck:
		return actor.rateCheck(payload)
	default:
		return nil, fmt.Errorf("unknown actor operation: %s", op)
	}
}

// rateCheck implementa a transição da janela de rate limit
// Mesma semântica do script Lua do RedisActorStore
func (a *memoryActor) rateCheck(payload []byte) ([]byte, error) {
	req, err := ParseRateCheckRequest(payload)
	if err != nil {
		return nil, err
	}

	now := req.NowMs
	if a.window == nil || now-a.window.WindowStart >= a.window.WindowMs {
		a.window = &domain.RateLimitWindow{
			Count:       1,
			WindowStart: now,
			Limit:       req.Limit,
			WindowMs:    req.WindowMs,
		}
	} else {
		a.window.Count++
	}

	return json.Marshal(a.window)
}
