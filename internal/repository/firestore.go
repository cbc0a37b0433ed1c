package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	documentsCollection      = "documents"
	defaultFirestoreAttempts = 5
)

type firestoreDocument struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// FirestoreRepository хранит документы в коллекции Firestore и обновляет их через RunTransaction.
type FirestoreRepository struct {
	client   *firestore.Client
	attempts int
	now      func() time.Time
}

// NewFirestoreRepository создаёт клиент Firestore для указанного проекта.
// При заданной переменной FIRESTORE_EMULATOR_HOST клиент подключается к эмулятору.
func NewFirestoreRepository(ctx context.Context, projectID string) (*FirestoreRepository, error) {
	if projectID == "" {
		return nil, errors.New("firestore repository: project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &FirestoreRepository{
		client:   client,
		attempts: defaultFirestoreAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *FirestoreRepository) ref(key string) *firestore.DocumentRef {
	return r.client.Collection(documentsCollection).Doc(url.PathEscape(key))
}

// Get возвращает значение документа.
func (r *FirestoreRepository) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := r.ref(key).Get(ctx)
	if err != nil {
		return nil, wrapFirestoreError("get "+key, err)
	}
	var doc firestoreDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore decode %s: %w", key, err)
	}
	return []byte(doc.Value), nil
}

// TransactionalUpdate выполняет fn внутри транзакции Firestore. Firestore сам
// повторяет транзакцию при конфликте, поэтому fn может быть вызвана несколько раз.
func (r *FirestoreRepository) TransactionalUpdate(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	var result []byte
	ref := r.ref(key)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var (
			current []byte
			exists  bool
		)

		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			var doc firestoreDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("firestore decode %s: %w", key, err)
			}
			current = []byte(doc.Value)
			exists = true
		case codes.NotFound:
		default:
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		result = next
		return tx.Set(ref, firestoreDocument{
			Key:       key,
			Value:     string(next),
			UpdatedAt: r.now(),
		})
	}, firestore.MaxAttempts(r.attempts))
	if err != nil {
		return nil, wrapFirestoreError("update "+key, err)
	}
	return result, nil
}

// List возвращает документы с ключами, начинающимися с prefix.
func (r *FirestoreRepository) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	iter := r.client.Collection(documentsCollection).
		Where("key", ">=", prefix).
		Where("key", "<", prefix+"\uf8ff").
		Documents(ctx)
	defer iter.Stop()

	res := make(map[string][]byte)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapFirestoreError("list "+prefix, err)
		}
		var doc firestoreDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore decode %s: %w", snap.Ref.ID, err)
		}
		res[doc.Key] = []byte(doc.Value)
	}
	return res, nil
}

// Delete удаляет документ.
func (r *FirestoreRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.ref(key).Delete(ctx); err != nil {
		return wrapFirestoreError("delete "+key, err)
	}
	return nil
}

// Ping выполняет лёгкое чтение, чтобы проверить доступность Firestore.
func (r *FirestoreRepository) Ping(ctx context.Context) error {
	_, err := r.ref(OrderCounterKey).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return wrapFirestoreError("ping", err)
	}
	return nil
}

// Close закрывает клиент Firestore.
func (r *FirestoreRepository) Close() error {
	return r.client.Close()
}

// wrapFirestoreError переводит gRPC-коды Firestore в ошибки репозитория.
// Ошибки, возвращённые UpdateFunc, проходят без изменений.
func wrapFirestoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return ErrDocumentNotFound
	case codes.Aborted, codes.AlreadyExists, codes.FailedPrecondition:
		return fmt.Errorf("firestore %s: %w: %w", op, ErrConflict, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return fmt.Errorf("firestore %s: %w: %w", op, ErrUnavailable, err)
	case codes.Canceled:
		return context.Canceled
	}
	return fmt.Errorf("firestore %s: %w", op, err)
}
