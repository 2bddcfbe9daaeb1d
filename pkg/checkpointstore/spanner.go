package checkpointstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/anicoll/cosmigrate"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerCheckpointStore implements CheckpointStore that stores checkpoints in Cloud Spanner,
// so that a migration can be resumed from another host.
type SpannerCheckpointStore struct {
	client          *spanner.Client
	tableName       string
	requestPriority spannerpb.RequestOptions_Priority
}

type spannerConfig struct {
	requestPriority spannerpb.RequestOptions_Priority
}

type spannerOption interface {
	Apply(*spannerConfig)
}

type withRequestPriority spannerpb.RequestOptions_Priority

func (o withRequestPriority) Apply(c *spannerConfig) {
	c.requestPriority = spannerpb.RequestOptions_Priority(o)
}

// WithRequestPriority sets the priority option for Spanner requests.
// Default value is unspecified, equivalent to high.
func WithRequestPriority(priority spannerpb.RequestOptions_Priority) spannerOption {
	return withRequestPriority(priority)
}

// NewSpanner creates a new instance of SpannerCheckpointStore for the given Spanner client and table name.
func NewSpanner(client *spanner.Client, tableName string, options ...spannerOption) *SpannerCheckpointStore {
	c := &spannerConfig{}
	for _, o := range options {
		o.Apply(c)
	}

	return &SpannerCheckpointStore{
		client:          client,
		tableName:       tableName,
		requestPriority: c.requestPriority,
	}
}

const (
	columnUnitKey           = "UnitKey"
	columnContinuationToken = "ContinuationToken"
	columnInserted          = "Inserted"
	columnAlreadyPresent    = "AlreadyPresent"
	columnRejected          = "Rejected"
	columnUpdatedAt         = "UpdatedAt"
)

var checkpointColumns = []string{
	columnContinuationToken,
	columnInserted,
	columnAlreadyPresent,
	columnRejected,
	columnUpdatedAt,
}

// Get returns the checkpoint stored under key, or nil if there is none.
func (s *SpannerCheckpointStore) Get(ctx context.Context, key string) (*cosmigrate.Checkpoint, error) {
	r, err := s.client.Single().ReadRowWithOptions(ctx, s.tableName, spanner.Key{key}, checkpointColumns, &spanner.ReadOptions{Priority: s.requestPriority})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}
	return checkpointFromRow(r)
}

// Set writes cp under key. UpdatedAt is replaced by the commit timestamp.
func (s *SpannerCheckpointStore) Set(ctx context.Context, key string, cp cosmigrate.Checkpoint) error {
	m := spanner.InsertOrUpdateMap(s.tableName, map[string]interface{}{
		columnUnitKey:           key,
		columnContinuationToken: cp.ContinuationToken,
		columnInserted:          cp.Inserted,
		columnAlreadyPresent:    cp.AlreadyPresent,
		columnRejected:          cp.Rejected,
		columnUpdatedAt:         spanner.CommitTimestamp,
	})
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}, spanner.Priority(s.requestPriority)); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}

// Delete removes the checkpoint stored under key.
func (s *SpannerCheckpointStore) Delete(ctx context.Context, key string) error {
	m := spanner.Delete(s.tableName, spanner.Key{key})
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}, spanner.Priority(s.requestPriority)); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", key, err)
	}
	return nil
}

// List returns every stored checkpoint by unit key.
func (s *SpannerCheckpointStore) List(ctx context.Context) (map[string]cosmigrate.Checkpoint, error) {
	stmt := spanner.Statement{
		SQL: fmt.Sprintf("SELECT %s, %s, %s, %s, %s, %s FROM %s",
			columnUnitKey, columnContinuationToken, columnInserted, columnAlreadyPresent, columnRejected, columnUpdatedAt, s.tableName),
	}

	iter := s.client.Single().QueryWithOptions(ctx, stmt, spanner.QueryOptions{Priority: s.requestPriority})
	defer iter.Stop()

	out := make(map[string]cosmigrate.Checkpoint)
	for {
		r, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var key string
		if err := r.ColumnByName(columnUnitKey, &key); err != nil {
			return nil, err
		}
		cp, err := checkpointFromRow(r)
		if err != nil {
			return nil, err
		}
		out[key] = *cp
	}
}

func checkpointFromRow(r *spanner.Row) (*cosmigrate.Checkpoint, error) {
	cp := new(cosmigrate.Checkpoint)
	if err := r.ColumnByName(columnContinuationToken, &cp.ContinuationToken); err != nil {
		return nil, err
	}
	if err := r.ColumnByName(columnInserted, &cp.Inserted); err != nil {
		return nil, err
	}
	if err := r.ColumnByName(columnAlreadyPresent, &cp.AlreadyPresent); err != nil {
		return nil, err
	}
	if err := r.ColumnByName(columnRejected, &cp.Rejected); err != nil {
		return nil, err
	}
	if err := r.ColumnByName(columnUpdatedAt, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	return cp, nil
}

// Assert that SpannerCheckpointStore implements CheckpointStore.
var _ cosmigrate.CheckpointStore = (*SpannerCheckpointStore)(nil)
