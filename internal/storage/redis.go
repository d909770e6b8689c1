package storage

import (
	"context"
	"fmt"
	"time"

	"twist-edge/internal/domain"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient cria um cliente Redis configurado e testa a conexão
func NewRedisClient(host, port, password string, db int, logger domain.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Configurações de performance
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", map[string]interface{}{
		"host": host,
		"port": port,
		"db":   db,
	})

	return rdb, nil
}

// RedisKVStore implementa domain.KeyValueStore usando Redis
type RedisKVStore struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisKVStore cria uma nova instância do RedisKVStore
func NewRedisKVStore(client redis.Cmdable, logger domain.Logger) *RedisKVStore {
	return &RedisKVStore{client: client, logger: logger}
}

// Get recupera o valor de uma chave; retorna nil se não existir
func (r *RedisKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return result, nil
}

// Put grava o valor de uma chave com TTL opcional
func (r *RedisKVStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent grava apenas se a chave não existir; retorna true se gravou
func (r *RedisKVStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	return ok, nil
}

// Delete remove uma chave
func (r *RedisKVStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Health verifica se o storage está saudável
func (r *RedisKVStore) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// RedisBlobStore implementa domain.BlobStore usando Redis
// Mantém um índice ordenado (sorted set) para listagem por prefixo
type RedisBlobStore struct {
	client redis.Cmdable
	logger domain.Logger
}

const blobIndexKey = "blob:index"

// NewRedisBlobStore cria uma nova instância do RedisBlobStore
func NewRedisBlobStore(client redis.Cmdable, logger domain.Logger) *RedisBlobStore {
	return &RedisBlobStore{client: client, logger: logger}
}

// Put grava um objeto e o indexa para listagem
func (r *RedisBlobStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, "blob:data:"+key, data, 0)
	pipe.ZAdd(ctx, blobIndexKey, &redis.Z{Score: 0, Member: key})
	if len(metadata) > 0 {
		fields := make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			fields[k] = v
		}
		pipe.HSet(ctx, "blob:meta:"+key, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put blob %s: %w", key, err)
	}
	return nil
}

// Get recupera um objeto; retorna nil se não existir
func (r *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, "blob:data:"+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", key, err)
	}
	return data, nil
}

// List retorna as chaves com um prefixo, em ordem lexicográfica
func (r *RedisBlobStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	count := int64(limit)
	if count <= 0 {
		count = -1
	}

	keys, err := r.client.ZRangeByLex(ctx, blobIndexKey, &redis.ZRangeBy{
		Min:   "[" + prefix,
		Max:   "[" + prefix + "\xff",
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs with prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// RedisQueue implementa domain.Queue usando Redis Streams com consumer group
// Mensagens não confirmadas permanecem pendentes e são reentregues via autoclaim
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	minIdle  time.Duration
	logger   domain.Logger
}

// NewRedisQueue cria a fila e garante a existência do consumer group
func NewRedisQueue(client *redis.Client, stream, group, consumer string, logger domain.Logger) (*RedisQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Cria o grupo se ainda não existir
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if !isBusyGroupError(err) {
			return nil, fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		minIdle:  30 * time.Second,
		logger:   logger,
	}, nil
}

func isBusyGroupError(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Send enfileira uma mensagem
func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"body": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive retorna um lote de mensagens: primeiro reivindica mensagens
// pendentes antigas (reentrega), depois lê mensagens novas
func (q *RedisQueue) Receive(ctx context.Context, max int) (*domain.QueueBatch, error) {
	messages := make([]redis.XMessage, 0, max)

	// Reentrega de mensagens pendentes de consumidores que falharam
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.minIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		q.logger.Warn("Failed to autoclaim pending messages", map[string]interface{}{
			"error": err.Error(),
		})
	}
	messages = append(messages, claimed...)

	if len(messages) < max {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    int64(max - len(messages)),
			Block:    5 * time.Second,
		}).Result()
		if err != nil && err != redis.Nil {
			if len(messages) == 0 {
				return nil, fmt.Errorf("failed to read from stream: %w", err)
			}
		}
		for _, s := range streams {
			messages = append(messages, s.Messages...)
		}
	}

	batch := &domain.QueueBatch{Messages: make([]*domain.QueueMessage, 0, len(messages))}
	for _, msg := range messages {
		msg := msg
		body, _ := msg.Values["body"].(string)
		batch.Messages = append(batch.Messages, &domain.QueueMessage{
			ID:        msg.ID,
			Timestamp: time.Now(),
			Body:      []byte(body),
			Ack: func() error {
				pipe := q.client.TxPipeline()
				pipe.XAck(ctx, q.stream, q.group, msg.ID)
				pipe.XDel(ctx, q.stream, msg.ID)
				_, err := pipe.Exec(ctx)
				return err
			},
			// Retry deixa a mensagem pendente; o autoclaim reentrega depois
			Retry: func() error { return nil },
		})
	}
	return batch, nil
}

// RedisActorStore implementa domain.ActorStore usando scripts Lua atômicos
// O Redis executa scripts de forma serializada, o que garante a semântica
// single-writer por chave entre nós de borda concorrentes
type RedisActorStore struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisActorStore cria uma nova instância do RedisActorStore
func NewRedisActorStore(client redis.Cmdable, logger domain.Logger) *RedisActorStore {
	return &RedisActorStore{client: client, logger: logger}
}

// rateCheckScript implementa a transição da janela de rate limit
// Mesma semântica do memoryActor.rateCheck
const rateCheckScript = `
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local current = redis.call('GET', key)
	local data

	if current then
		data = cjson.decode(current)
	end

	if (not data) or (now - data.windowStart >= data.windowMs) then
		data = {
			count = 1,
			windowStart = now,
			limit = limit,
			windowMs = window
		}
	else
		data.count = data.count + 1
	end

	local ttl = math.ceil((data.windowStart + data.windowMs - now) / 1000)
	if ttl < 1 then
		ttl = 1
	end

	local encoded = cjson.encode(data)
	redis.call('SET', key, encoded, 'EX', ttl)
	return encoded
`

// Invoke executa uma operação no ator da chave
func (s *RedisActorStore) Invoke(ctx context.Context, key, op string, payload []byte) ([]byte, error) {
	switch op {
	case OpRateCheck:
		return s.rateCheck(ctx, key, payload)
	default:
		return nil, fmt.Errorf("unknown actor operation: %s", op)
	}
}

func (s *RedisActorStore) rateCheck(ctx context.Context, key string, payload []byte) ([]byte, error) {
	req, err := ParseRateCheckRequest(payload)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Eval(ctx, rateCheckScript, []string{"actor:rate:" + key},
		req.Limit, req.WindowMs, req.NowMs).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to invoke rate actor for key %s: %w", key, err)
	}

	encoded, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("invalid rate actor result for key %s", key)
	}
	return []byte(encoded), nil
}
