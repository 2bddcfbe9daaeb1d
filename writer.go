package cosmigrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// ItemTransform rewrites a decoded document before it is written.
// partitionKeyPath is the target container's partition key path; transforms
// must leave "id" and the partition key value untouched.
type ItemTransform func(doc map[string]any, partitionKeyPath string) error

// Writer performs idempotent inserts into a target container.
type Writer struct {
	client       AccountClient
	governor     *Governor
	transform    ItemTransform
	limiter      *rate.Limiter
	maxItemBytes int
	metrics      *metrics
}

// NewWriter returns a Writer for the target account.
// transform and limiter may be nil.
func NewWriter(client AccountClient, governor *Governor, transform ItemTransform, limiter *rate.Limiter, maxItemBytes int) *Writer {
	return &Writer{
		client:       client,
		governor:     governor,
		transform:    transform,
		limiter:      limiter,
		maxItemBytes: maxItemBytes,
	}
}

// WriteItem writes raw into target, whose partition key path is partitionKeyPath.
//
// It returns OutcomeInserted or OutcomeAlreadyPresent on success. Items that can
// never be written return OutcomeRejected with an *ItemRejectedError. Any other
// error is a *FatalError from the governor and leaves the outcome unset.
func (w *Writer) WriteItem(ctx context.Context, target ContainerRef, partitionKeyPath string, raw json.RawMessage) (InsertOutcome, error) {
	doc, err := w.prepare(raw, partitionKeyPath)
	if err != nil {
		w.metrics.observeItem(OutcomeRejected)
		return OutcomeRejected, err
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return 0, &FatalError{Op: "rate limit wait", Err: err}
		}
	}

	op := fmt.Sprintf("write item %s to %s", doc.ID, target)
	outcome, err := WithRetry(ctx, w.governor, op, func(ctx context.Context) (InsertOutcome, error) {
		outcome, err := w.client.UpsertIfAbsent(ctx, target, doc)
		if errors.Is(err, ErrAlreadyExists) {
			return OutcomeAlreadyPresent, nil
		}
		return outcome, err
	})
	if err != nil {
		var rejected *ItemRejectedError
		if errors.As(err, &rejected) {
			w.metrics.observeItem(OutcomeRejected)
			return OutcomeRejected, rejected
		}
		return 0, err
	}
	w.metrics.observeItem(outcome)
	return outcome, nil
}

func (w *Writer) prepare(raw json.RawMessage, partitionKeyPath string) (Document, error) {
	if w.maxItemBytes > 0 && len(raw) > w.maxItemBytes {
		return Document{}, &ItemRejectedError{
			ItemID: peekID(raw),
			Reason: fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(raw), w.maxItemBytes),
		}
	}

	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, &ItemRejectedError{Reason: "malformed document", Err: err}
	}
	if doc == nil {
		return Document{}, &ItemRejectedError{Reason: "document is not an object"}
	}

	id, ok := doc["id"].(string)
	if !ok || id == "" {
		return Document{}, &ItemRejectedError{Reason: "missing or non-string id"}
	}

	pk, ok := partitionKeyValue(doc, partitionKeyPath)
	if !ok {
		return Document{}, &ItemRejectedError{ItemID: id, Reason: fmt.Sprintf("partition key %s absent", partitionKeyPath)}
	}
	switch v := pk.(type) {
	case nil:
		return Document{}, &ItemRejectedError{ItemID: id, Reason: fmt.Sprintf("partition key %s is null", partitionKeyPath)}
	case string:
		if v == "" {
			return Document{}, &ItemRejectedError{ItemID: id, Reason: fmt.Sprintf("partition key %s is empty", partitionKeyPath)}
		}
	case json.Number:
		f, ok := partitionKeyNumber(v)
		if !ok {
			return Document{}, &ItemRejectedError{
				ItemID: id,
				Reason: fmt.Sprintf("partition key %s value %s is not exactly representable as a double", partitionKeyPath, v),
			}
		}
		pk = f
	case bool:
	default:
		return Document{}, &ItemRejectedError{ItemID: id, Reason: fmt.Sprintf("partition key %s is not a scalar", partitionKeyPath)}
	}

	body := []byte(raw)
	if w.transform != nil {
		if err := w.transform(doc, partitionKeyPath); err != nil {
			return Document{}, &ItemRejectedError{ItemID: id, Reason: "transform failed", Err: err}
		}
		var err error
		body, err = json.Marshal(doc)
		if err != nil {
			return Document{}, &ItemRejectedError{ItemID: id, Reason: "re-encoding transformed document", Err: err}
		}
	}

	return Document{ID: id, PartitionKey: pk, Body: body}, nil
}

// maxSafeInteger is the largest integer a double holds without rounding.
const maxSafeInteger = 1<<53 - 1

// partitionKeyNumber converts n to the double used as partition key value.
// Integers outside the safe range would be rounded, so that the key sent
// with the request would no longer match the value stored in the body.
func partitionKeyNumber(n json.Number) (float64, bool) {
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	if strings.ContainsAny(n.String(), ".eE") {
		return f, true
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return f, i >= -maxSafeInteger && i <= maxSafeInteger
}

// peekID extracts the id of a document for error reporting.
func peekID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}
