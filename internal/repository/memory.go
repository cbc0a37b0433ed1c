package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository хранит документы в памяти процесса. Используется в тестах и при локальном запуске.
type MemoryRepository struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[string][]byte)}
}

// Get возвращает копию документа.
func (r *MemoryRepository) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.docs[key]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return clone(data), nil
}

// TransactionalUpdate выполняет fn под блокировкой хранилища.
// fn не должна обращаться к этому же хранилищу.
func (r *MemoryRepository) TransactionalUpdate(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.docs[key]
	next, err := fn(clone(current), exists)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return clone(current), nil
	}
	r.docs[key] = clone(next)
	return clone(next), nil
}

// List возвращает документы, ключи которых начинаются с prefix.
func (r *MemoryRepository) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make(map[string][]byte)
	for k, v := range r.docs {
		if strings.HasPrefix(k, prefix) {
			res[k] = clone(v)
		}
	}
	return res, nil
}

// Delete удаляет документ. Отсутствие документа ошибкой не считается.
func (r *MemoryRepository) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.docs, key)
	return nil
}

// Keys возвращает отсортированный список ключей.
func (r *MemoryRepository) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.docs))
	for k := range r.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *MemoryRepository) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
