// Package memaccount provides an in-memory document store account implementing
// cosmigrate.AccountClient, with fault injection for exercising the retry and
// resume paths of the migrator.
package memaccount

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anicoll/cosmigrate"
)

// Op names a client operation for fault injection and call accounting.
type Op string

const (
	OpListDatabases   Op = "ListDatabases"
	OpListContainers  Op = "ListContainers"
	OpReadContainer   Op = "ReadContainer"
	OpCreateDatabase  Op = "CreateDatabase"
	OpCreateContainer Op = "CreateContainer"
	OpReadPage        Op = "ReadPage"
	OpUpsertIfAbsent  Op = "UpsertIfAbsent"
	OpCountItems      Op = "CountItems"
)

// Fault decides whether a call fails. key identifies the call target: the
// database name, "db/container", or "db/container/itemID" for writes.
// attempt counts calls of op with the same key, starting at 1.
type Fault func(op Op, key string, attempt int) error

// Account is an in-memory account. The zero value is not usable; call New.
type Account struct {
	mu        sync.Mutex
	databases map[string]*database
	faults    []Fault
	attempts  map[string]int
	calls     map[Op]int

	// ThroughputLimit, when positive, rejects container creates requesting more.
	ThroughputLimit int32
}

type database struct {
	containers map[string]*container
}

type container struct {
	props cosmigrate.ContainerProperties
	ids   []string
	items map[string]json.RawMessage
}

// New returns an empty account.
func New() *Account {
	return &Account{
		databases: make(map[string]*database),
		attempts:  make(map[string]int),
		calls:     make(map[Op]int),
	}
}

// InjectFault adds f to the faults evaluated before every call.
func (a *Account) InjectFault(f Fault) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = append(a.faults, f)
}

// Calls returns how many times op was called, failed calls included.
func (a *Account) Calls(op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// ResetCalls clears call and attempt counters.
func (a *Account) ResetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = make(map[Op]int)
	a.attempts = make(map[string]int)
}

// AddContainer creates a container directly, bypassing faults.
func (a *Account) AddContainer(db string, props cosmigrate.ContainerProperties) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.databases[db]
	if !ok {
		d = &database{containers: make(map[string]*container)}
		a.databases[db] = d
	}
	d.containers[props.ID] = &container{props: props, items: make(map[string]json.RawMessage)}
}

// AddItems stores raw documents in a container created by AddContainer,
// bypassing faults. Items are keyed by id and partition key value.
func (a *Account) AddItems(ref cosmigrate.ContainerRef, items ...json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, err := a.container(ref)
	if err != nil {
		return err
	}
	for _, raw := range items {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("invalid item: %w", err)
		}
		id, _ := doc["id"].(string)
		c.put(itemKey(id, partitionKeyValue(doc, c.props.PartitionKeyPath)), raw)
	}
	return nil
}

func itemKey(id string, pk any) string {
	return fmt.Sprintf("%s|%v", id, pk)
}

func partitionKeyValue(doc map[string]any, path string) any {
	var cur any = doc
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// Items returns the documents of a container in insertion order.
func (a *Account) Items(ref cosmigrate.ContainerRef) []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, err := a.container(ref)
	if err != nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.items[id])
	}
	return out
}

// Container returns the properties of a container, or false if it does not exist.
func (a *Account) Container(ref cosmigrate.ContainerRef) (cosmigrate.ContainerProperties, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, err := a.container(ref)
	if err != nil {
		return cosmigrate.ContainerProperties{}, false
	}
	return c.props, true
}

func (c *container) put(key string, raw json.RawMessage) bool {
	if _, ok := c.items[key]; ok {
		return false
	}
	c.items[key] = append(json.RawMessage(nil), raw...)
	c.ids = append(c.ids, key)
	return true
}

func (a *Account) container(ref cosmigrate.ContainerRef) (*container, error) {
	d, ok := a.databases[ref.Database]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", ref.Database, cosmigrate.ErrNotFound)
	}
	c, ok := d.containers[ref.Container]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", ref, cosmigrate.ErrNotFound)
	}
	return c, nil
}

// call records op on key and evaluates the injected faults. Callers hold a.mu.
func (a *Account) call(op Op, key string) error {
	a.calls[op]++
	k := string(op) + "|" + key
	a.attempts[k]++
	for _, f := range a.faults {
		if err := f(op, key, a.attempts[k]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Account) ListDatabases(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(OpListDatabases, ""); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(a.databases))
	for name := range a.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Account) ListContainers(ctx context.Context, db string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(OpListContainers, db); err != nil {
		return nil, err
	}
	d, ok := a.databases[db]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", db, cosmigrate.ErrNotFound)
	}
	names := make([]string, 0, len(d.containers))
	for name := range d.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Account) ReadContainer(ctx context.Context, ref cosmigrate.ContainerRef) (*cosmigrate.ContainerProperties, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(OpReadContainer, ref.String()); err != nil {
		return nil, err
	}
	c, err := a.container(ref)
	if err != nil {
		return nil, err
	}
	props := c.props
	return &props, nil
}

func (a *Account) CreateDatabase(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(OpCreateDatabase, name); err != nil {
		return err
	}
	if _, ok := a.databases[name]; ok {
		return fmt.Errorf("database %s: %w", name, cosmigrate.ErrAlreadyExists)
	}
	a.databases[name] = &database{containers: make(map[string]*container)}
	return nil
}

func (a *Account) CreateContainer(ctx context.Context, db string, props cosmigrate.ContainerProperties) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref := cosmigrate.ContainerRef{Database: db, Container: props.ID}
	if err := a.call(OpCreateContainer, ref.String()); err != nil {
		return err
	}
	d, ok := a.databases[db]
	if !ok {
		return fmt.Errorf("database %s: %w", db, cosmigrate.ErrNotFound)
	}
	if _, ok := d.containers[props.ID]; ok {
		return fmt.Errorf("container %s: %w", ref, cosmigrate.ErrAlreadyExists)
	}
	if a.ThroughputLimit > 0 && props.Throughput > a.ThroughputLimit {
		return &cosmigrate.FatalRemoteError{
			StatusCode: 403,
			Err:        fmt.Errorf("requested throughput %d exceeds account limit %d", props.Throughput, a.ThroughputLimit),
		}
	}
	d.containers[props.ID] = &container{props: props, items: make(map[string]json.RawMessage)}
	return nil
}

// ReadPage returns items in insertion order. Continuation tokens are offsets.
func (a *Account) ReadPage(ctx context.Context, ref cosmigrate.ContainerRef, continuation string, pageSizeHint int) (*cosmigrate.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(OpReadPage, ref.String()+"@"+continuation); err != nil {
		return nil, err
	}
	c, err := a.container(ref)
	if err != nil {
		return nil, err
	}

	offset := 0
	if continuation != "" {
		offset, err = strconv.Atoi(continuation)
		if err != nil || offset < 0 || offset > len(c.ids) {
			return nil, &cosmigrate.FatalRemoteError{StatusCode: 400, Err: fmt.Errorf("invalid continuation token %q", continuation)}
		}
	}
	if pageSizeHint < 1 {
		pageSizeHint = 1
	}
	end := min(offset+pageSizeHint, len(c.ids))

	page := &cosmigrate.Page{Items: make([]json.RawMessage, 0, end-offset)}
	for _, id := range c.ids[offset:end] {
		page.Items = append(page.Items, append(json.RawMessage(nil), c.items[id]...))
	}
	if end < len(c.ids) {
		page.ContinuationToken = strconv.Itoa(end)
	}
	return page, nil
}

func (a *Account) UpsertIfAbsent(ctx context.Context, ref cosmigrate.ContainerRef, doc cosmigrate.Document) (cosmigrate.InsertOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(OpUpsertIfAbsent, ref.String()+"/"+doc.ID); err != nil {
		return 0, err
	}
	c, err := a.container(ref)
	if err != nil {
		return 0, err
	}
	if !c.put(itemKey(doc.ID, doc.PartitionKey), doc.Body) {
		return cosmigrate.OutcomeAlreadyPresent, nil
	}
	return cosmigrate.OutcomeInserted, nil
}

func (a *Account) CountItems(ctx context.Context, ref cosmigrate.ContainerRef) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(OpCountItems, ref.String()); err != nil {
		return 0, err
	}
	c, err := a.container(ref)
	if err != nil {
		return 0, err
	}
	return int64(len(c.ids)), nil
}

// ThrottleFirst returns a fault throttling the first n calls of op per key.
func ThrottleFirst(op Op, n int, retryAfter time.Duration) Fault {
	return func(o Op, key string, attempt int) error {
		if o == op && attempt <= n {
			return &cosmigrate.ThrottledError{RetryAfter: retryAfter}
		}
		return nil
	}
}

// TransientFirst returns a fault failing the first n calls of op per key with a transient error.
func TransientFirst(op Op, n int) Fault {
	return func(o Op, key string, attempt int) error {
		if o == op && attempt <= n {
			return &cosmigrate.TransientError{Err: fmt.Errorf("connection reset on %s", key)}
		}
		return nil
	}
}

// FailOn returns a fault failing every call of op whose key matches with err.
func FailOn(op Op, key string, err error) Fault {
	return func(o Op, k string, attempt int) error {
		if o == op && k == key {
			return err
		}
		return nil
	}
}

// Assert that Account implements AccountClient and ItemCounter.
var (
	_ cosmigrate.AccountClient = (*Account)(nil)
	_ cosmigrate.ItemCounter   = (*Account)(nil)
)
