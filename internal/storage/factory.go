package storage

import (
	"fmt"

	"twist-edge/internal/config"
	"twist-edge/internal/domain"
)

// Backends agrupa os collaborators de armazenamento da aplicação
type Backends struct {
	KV            domain.KeyValueStore
	Blobs         domain.BlobStore
	ActivityQueue domain.Queue
	RewardQueue   domain.Queue
	Actors        domain.ActorStore
}

// NewBackends cria o conjunto de storages conforme a configuração
// Implementa o Strategy Pattern: "redis" em produção, "memory" em testes
func NewBackends(cfg *config.Config, logger domain.Logger) (*Backends, error) {
	switch cfg.StorageBackend {
	case "redis":
		return newRedisBackends(cfg, logger)
	case "memory":
		logger.Info("Using memory storage", nil)
		return NewMemoryBackends(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}

// NewMemoryBackends cria o conjunto de storages em memória
func NewMemoryBackends() *Backends {
	return &Backends{
		KV:            NewMemoryKVStore(),
		Blobs:         NewMemoryBlobStore(),
		ActivityQueue: NewMemoryQueue(),
		RewardQueue:   NewMemoryQueue(),
		Actors:        NewMemoryActorStore(),
	}
}

func newRedisBackends(cfg *config.Config, logger domain.Logger) (*Backends, error) {
	client, err := NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return nil, err
	}

	activityQueue, err := NewRedisQueue(client, "twist:activity", "processors", "edge-consumer", logger)
	if err != nil {
		return nil, err
	}

	rewardQueue, err := NewRedisQueue(client, "twist:rewards", "settlement", "edge-producer", logger)
	if err != nil {
		return nil, err
	}

	return &Backends{
		KV:            NewRedisKVStore(client, logger),
		Blobs:         NewRedisBlobStore(client, logger),
		ActivityQueue: activityQueue,
		RewardQueue:   rewardQueue,
		Actors:        NewRedisActorStore(client, logger),
	}, nil
}
