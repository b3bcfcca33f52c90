package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreJob は Firestore ドキュメントの形です。
type firestoreJob struct {
	Owner          string    `firestore:"owner"`
	SourceRef      string    `firestore:"sourceRef"`
	OriginalName   string    `firestore:"originalName"`
	ContentType    string    `firestore:"contentType,omitempty"`
	Status         string    `firestore:"status"`
	Transcript     string    `firestore:"transcript,omitempty"`
	ErrorMessage   string    `firestore:"errorMessage,omitempty"`
	Attempts       int       `firestore:"attempts"`
	ClaimToken     string    `firestore:"claimToken,omitempty"`
	LeaseExpiresAt time.Time `firestore:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func toFirestoreJob(j *Job) firestoreJob {
	return firestoreJob{
		Owner:          j.Owner,
		SourceRef:      j.SourceRef,
		OriginalName:   j.OriginalName,
		ContentType:    j.ContentType,
		Status:         string(j.Status),
		Transcript:     j.Transcript,
		ErrorMessage:   j.ErrorMessage,
		Attempts:       j.Attempts,
		ClaimToken:     j.ClaimToken,
		LeaseExpiresAt: j.LeaseExpiresAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func (d firestoreJob) toJob(id string) *Job {
	return &Job{
		ID:             id,
		Owner:          d.Owner,
		SourceRef:      d.SourceRef,
		OriginalName:   d.OriginalName,
		ContentType:    d.ContentType,
		Status:         Status(d.Status),
		Transcript:     d.Transcript,
		ErrorMessage:   d.ErrorMessage,
		Attempts:       d.Attempts,
		ClaimToken:     d.ClaimToken,
		LeaseExpiresAt: normalizeTime(d.LeaseExpiresAt),
		CreatedAt:      normalizeTime(d.CreatedAt),
		UpdatedAt:      normalizeTime(d.UpdatedAt),
	}
}

// FirestoreStore はジョブを Firestore のコレクションに保存します。
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewFirestoreStore は FirestoreStore を作成します。
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "jobs"
	}
	return &FirestoreStore{client: client, collection: collection, now: time.Now}
}

func (s *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

// Put はジョブドキュメントを作成または上書きします。
func (s *FirestoreStore) Put(ctx context.Context, job *Job) error {
	rec, err := prepareForPut(job, s.now())
	if err != nil {
		return err
	}
	if _, err := s.doc(rec.ID).Set(ctx, toFirestoreJob(rec)); err != nil {
		return storeUnavailable("set job document", err)
	}
	return nil
}

// Get はジョブドキュメントを取得します。
func (s *FirestoreStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	snap, err := s.doc(id).Get(ctx)
	if err != nil {
		return nil, firestoreErr("get job document", err)
	}
	return decodeSnapshot(snap)
}

// ListByOwner は所有者のジョブを新しい順に返します（owner + createdAt の複合インデックスが必要です）。
func (s *FirestoreStore) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	query := s.client.Collection(s.collection).
		Where("owner", "==", owner).
		OrderBy("createdAt", firestore.Desc)
	return s.collect(ctx, query)
}

// ListByStatus は before より前に更新された指定状態のジョブを古い順に返します。
func (s *FirestoreStore) ListByStatus(ctx context.Context, st Status, before time.Time, limit int) ([]*Job, error) {
	query := s.client.Collection(s.collection).
		Where("status", "==", string(st)).
		Where("updatedAt", "<", normalizeTime(before)).
		OrderBy("updatedAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return s.collect(ctx, query)
}

// Update はトランザクション内でジョブを読み書きします。
func (s *FirestoreStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	ref := s.doc(id)
	var (
		updated   *Job
		domainErr error
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		domainErr = nil
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			domainErr = ErrNotFound
			return domainErr
		}
		if err != nil {
			return err
		}
		prev, err := decodeSnapshot(snap)
		if err != nil {
			domainErr = err
			return err
		}
		next, err := applyUpdate(prev, mutate, s.now())
		if err != nil {
			domainErr = err
			return err
		}
		if err := tx.Set(ref, toFirestoreJob(next)); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err := transactionErr(err, domainErr); err != nil {
		return nil, err
	}
	return updated, nil
}

// firestoreErr は Firestore のエラーをストアのエラーに変換します。
func firestoreErr(op string, err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return storeUnavailable(op, err)
}

// transactionErr はトランザクション内で確定した業務エラーを優先して返します。
func transactionErr(err, domainErr error) error {
	switch {
	case err == nil:
		return nil
	case domainErr != nil:
		return domainErr
	default:
		return storeUnavailable("update job document", err)
	}
}

func (s *FirestoreStore) collect(ctx context.Context, query firestore.Query) ([]*Job, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	jobs := make([]*Job, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storeUnavailable("query job documents", err)
		}
		job, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*Job, error) {
	var doc firestoreJob
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode job document %s: %w", snap.Ref.ID, err)
	}
	return doc.toJob(snap.Ref.ID), nil
}
