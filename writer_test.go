package cosmigrate_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anicoll/cosmigrate"
	"github.com/anicoll/cosmigrate/pkg/memaccount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// docRecorder captures every document handed to the account.
type docRecorder struct {
	*memaccount.Account
	mu   sync.Mutex
	docs []cosmigrate.Document
}

func (r *docRecorder) UpsertIfAbsent(ctx context.Context, ref cosmigrate.ContainerRef, doc cosmigrate.Document) (cosmigrate.InsertOutcome, error) {
	r.mu.Lock()
	r.docs = append(r.docs, doc)
	r.mu.Unlock()
	return r.Account.UpsertIfAbsent(ctx, ref, doc)
}

func newTarget(t *testing.T, pkPath string) (*memaccount.Account, cosmigrate.ContainerRef) {
	t.Helper()
	target := memaccount.New()
	target.AddContainer("D1", cosmigrate.ContainerProperties{ID: "C1", PartitionKeyPath: pkPath})
	return target, cosmigrate.ContainerRef{Database: "D1", Container: "C1"}
}

func TestWriter_InsertThenAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	target, ref := newTarget(t, "/pk")
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 0)

	raw := json.RawMessage(`{"id":"1","pk":"a","v":1}`)
	outcome, err := w.WriteItem(ctx, ref, "/pk", raw)
	require.NoError(t, err)
	assert.Equal(t, cosmigrate.OutcomeInserted, outcome)

	outcome, err = w.WriteItem(ctx, ref, "/pk", raw)
	require.NoError(t, err)
	assert.Equal(t, cosmigrate.OutcomeAlreadyPresent, outcome)

	// same id under another partition key is a different item.
	outcome, err = w.WriteItem(ctx, ref, "/pk", json.RawMessage(`{"id":"1","pk":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, cosmigrate.OutcomeInserted, outcome)
	assert.Len(t, target.Items(ref), 2)
}

func TestWriter_ConflictErrorMeansAlreadyPresent(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	target.InjectFault(memaccount.FailOn(memaccount.OpUpsertIfAbsent, "D1/C1/1", cosmigrate.ErrAlreadyExists))
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 0)

	outcome, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"1","pk":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, cosmigrate.OutcomeAlreadyPresent, outcome)
}

func TestWriter_RejectsInvalidItems(t *testing.T) {
	tests := map[string]string{
		"malformed":         `{"id":`,
		"not an object":     `null`,
		"array":             `[1,2]`,
		"missing id":        `{"pk":"a"}`,
		"numeric id":        `{"id":7,"pk":"a"}`,
		"empty id":          `{"id":"","pk":"a"}`,
		"missing pk":        `{"id":"1"}`,
		"null pk":           `{"id":"1","pk":null}`,
		"empty pk":          `{"id":"1","pk":""}`,
		"object pk":         `{"id":"1","pk":{"a":1}}`,
		"array pk":          `{"id":"1","pk":["a"]}`,
		"unsafe integer pk": `{"id":"1","pk":9007199254740993}`,
		"pk beyond int64":   `{"id":"1","pk":123456789012345678901234}`,
		"payload too big":   `{"id":"1","pk":"a","blob":"` + strings.Repeat("x", 128) + `"}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			target, ref := newTarget(t, "/pk")
			w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 100)

			outcome, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(raw))
			assert.Equal(t, cosmigrate.OutcomeRejected, outcome)
			assert.ErrorIs(t, err, cosmigrate.ErrItemRejected)
			assert.Zero(t, target.Calls(memaccount.OpUpsertIfAbsent), "rejected items must never reach the account")
		})
	}
}

func TestWriter_RejectedItemKeepsItsID(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 0)

	_, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"order-9"}`))
	var rejected *cosmigrate.ItemRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "order-9", rejected.ItemID)
	assert.Contains(t, rejected.Reason, "/pk")
}

func TestWriter_RejectsImpreciseNumericPartitionKey(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 0)

	_, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"big","pk":9007199254740993}`))
	var rejected *cosmigrate.ItemRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "big", rejected.ItemID)
	assert.Contains(t, rejected.Reason, "9007199254740993")
	assert.Empty(t, target.Items(ref))
}

func TestWriter_PartitionKeyTypes(t *testing.T) {
	target, ref := newTarget(t, "/tenant/region")
	rec := &docRecorder{Account: target}
	w := cosmigrate.NewWriter(rec, fastGovernor(), nil, nil, 0)
	ctx := context.Background()

	for _, raw := range []string{
		`{"id":"1","tenant":{"region":"eu"}}`,
		`{"id":"2","tenant":{"region":42}}`,
		`{"id":"3","tenant":{"region":true}}`,
		`{"id":"4","tenant":{"region":9007199254740991}}`,
		`{"id":"5","tenant":{"region":1.5e300}}`,
	} {
		outcome, err := w.WriteItem(ctx, ref, "/tenant/region", json.RawMessage(raw))
		require.NoError(t, err)
		assert.Equal(t, cosmigrate.OutcomeInserted, outcome)
	}

	require.Len(t, rec.docs, 5)
	assert.Equal(t, "eu", rec.docs[0].PartitionKey)
	assert.Equal(t, float64(42), rec.docs[1].PartitionKey)
	assert.Equal(t, true, rec.docs[2].PartitionKey)
	assert.Equal(t, float64(1<<53-1), rec.docs[3].PartitionKey)
	assert.Equal(t, 1.5e300, rec.docs[4].PartitionKey)
	// untransformed bodies are written byte for byte
	assert.JSONEq(t, `{"id":"2","tenant":{"region":42}}`, string(rec.docs[1].Body))
}

func TestWriter_Transform(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	rec := &docRecorder{Account: target}
	transform := func(doc map[string]any, pkPath string) error {
		assert.Equal(t, "/pk", pkPath)
		doc["email"] = "redacted"
		return nil
	}
	w := cosmigrate.NewWriter(rec, fastGovernor(), transform, nil, 0)

	_, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"1","pk":"a","email":"jane@example.com","n":12345678901}`))
	require.NoError(t, err)
	require.Len(t, rec.docs, 1)
	assert.JSONEq(t, `{"id":"1","pk":"a","email":"redacted","n":12345678901}`, string(rec.docs[0].Body))
	assert.Equal(t, "1", rec.docs[0].ID)
	assert.Equal(t, "a", rec.docs[0].PartitionKey)
}

func TestWriter_TransformFailureRejects(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	w := cosmigrate.NewWriter(target, fastGovernor(), func(map[string]any, string) error {
		return errors.New("boom")
	}, nil, 0)

	outcome, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"1","pk":"a"}`))
	assert.Equal(t, cosmigrate.OutcomeRejected, outcome)
	assert.ErrorIs(t, err, cosmigrate.ErrItemRejected)
}

func TestWriter_RetriesThrottledWrites(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	target.InjectFault(memaccount.ThrottleFirst(memaccount.OpUpsertIfAbsent, 2, time.Millisecond))
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 0)

	outcome, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"1","pk":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, cosmigrate.OutcomeInserted, outcome)
	assert.Equal(t, 3, target.Calls(memaccount.OpUpsertIfAbsent))
	assert.Len(t, target.Items(ref), 1)
}

func TestWriter_ServerSideRejection(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	target.InjectFault(memaccount.FailOn(memaccount.OpUpsertIfAbsent, "D1/C1/1",
		&cosmigrate.ItemRejectedError{ItemID: "1", Reason: "request entity too large"}))
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 0)

	outcome, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"1","pk":"a"}`))
	assert.Equal(t, cosmigrate.OutcomeRejected, outcome)
	var rejected *cosmigrate.ItemRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "request entity too large", rejected.Reason)
	assert.Equal(t, 1, target.Calls(memaccount.OpUpsertIfAbsent))
}

func TestWriter_FatalError(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	target.InjectFault(memaccount.FailOn(memaccount.OpUpsertIfAbsent, "D1/C1/1",
		&cosmigrate.FatalRemoteError{StatusCode: 401, AccountWide: true, Err: errors.New("unauthorized")}))
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, nil, 0)

	outcome, err := w.WriteItem(context.Background(), ref, "/pk", json.RawMessage(`{"id":"1","pk":"a"}`))
	assert.Zero(t, outcome)
	var fe *cosmigrate.FatalError
	require.ErrorAs(t, err, &fe)
	assert.True(t, cosmigrate.IsAccountWide(err))
	assert.NotErrorIs(t, err, cosmigrate.ErrItemRejected)
}

func TestWriter_RateLimitHonoursCancellation(t *testing.T) {
	target, ref := newTarget(t, "/pk")
	w := cosmigrate.NewWriter(target, fastGovernor(), nil, rate.NewLimiter(rate.Every(time.Hour), 1), 0)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := w.WriteItem(ctx, ref, "/pk", json.RawMessage(`{"id":"1","pk":"a"}`))
	require.NoError(t, err)

	cancel()
	_, err = w.WriteItem(ctx, ref, "/pk", json.RawMessage(`{"id":"2","pk":"a"}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, target.Calls(memaccount.OpUpsertIfAbsent))
}
