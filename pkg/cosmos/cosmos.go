// Package cosmos implements cosmigrate.AccountClient on top of the Azure Cosmos DB SDK.
package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/rs/zerolog/log"

	"github.com/anicoll/cosmigrate"
)

const (
	headerRetryAfterMs = "x-ms-retry-after-ms"
	headerSubstatus    = "x-ms-substatus"

	// statusRetryWith is returned by the service when a concurrent operation must be retried.
	statusRetryWith = 449
	// substatusPartitionKeyQuota is the 403 substatus of a write into a full logical partition.
	substatusPartitionKeyQuota = 1014

	countQuery = "SELECT VALUE COUNT(1) FROM c"
	itemsQuery = "SELECT * FROM c"
)

// opKind selects how request failures are interpreted.
type opKind int

const (
	opRead opKind = iota
	// opProvision creates databases and containers. A 403 there refuses the resource, not the credentials.
	opProvision
	// opWrite inserts items. Request errors reject the item.
	opWrite
)

// Account is a Cosmos DB account. It is safe for concurrent use.
type Account struct {
	name   string
	client *azcosmos.Client
}

var (
	_ cosmigrate.AccountClient = (*Account)(nil)
	_ cosmigrate.ItemCounter   = (*Account)(nil)
)

// Endpoint returns the document endpoint of account. Values that already are URLs are returned unchanged.
func Endpoint(account string) string {
	if strings.HasPrefix(account, "https://") || strings.HasPrefix(account, "http://") {
		return account
	}
	return fmt.Sprintf("https://%s.documents.azure.com:443/", account)
}

// clientOptions disables the SDK retry policy; retries are owned by the migration governor.
func clientOptions() *azcosmos.ClientOptions {
	return &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
}

// NewAccountWithKey connects to account authenticating with a primary or secondary key.
// account is either an account name or a full endpoint URL.
func NewAccountWithKey(account, key string) (*Account, error) {
	cred, err := azcosmos.NewKeyCredential(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create key credential for %s: %w", account, err)
	}
	client, err := azcosmos.NewClientWithKey(Endpoint(account), cred, clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", account, err)
	}
	return &Account{name: account, client: client}, nil
}

// NewAccountWithAAD connects to account using the default Azure credential chain.
func NewAccountWithAAD(account string) (*Account, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	client, err := azcosmos.NewClient(Endpoint(account), cred, clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", account, err)
	}
	return &Account{name: account, client: client}, nil
}

// Name returns the account name or endpoint the Account was created with.
func (a *Account) Name() string {
	return a.name
}

func (a *Account) ListDatabases(ctx context.Context) ([]string, error) {
	var names []string
	pager := a.client.NewQueryDatabasesPager("SELECT * FROM root", nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, opRead)
		}
		for _, db := range resp.Databases {
			names = append(names, db.ID)
		}
	}
	return names, nil
}

func (a *Account) ListContainers(ctx context.Context, database string) ([]string, error) {
	db, err := a.client.NewDatabase(database)
	if err != nil {
		return nil, err
	}
	var names []string
	pager := db.NewQueryContainersPager("SELECT * FROM root", nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, opRead)
		}
		for _, c := range resp.Containers {
			names = append(names, c.ID)
		}
	}
	return names, nil
}

func (a *Account) container(ref cosmigrate.ContainerRef) (*azcosmos.ContainerClient, error) {
	c, err := a.client.NewContainer(ref.Database, ref.Container)
	if err != nil {
		return nil, fmt.Errorf("failed to create container client for %s: %w", ref, err)
	}
	return c, nil
}

func (a *Account) ReadContainer(ctx context.Context, ref cosmigrate.ContainerRef) (*cosmigrate.ContainerProperties, error) {
	c, err := a.container(ref)
	if err != nil {
		return nil, err
	}
	resp, err := c.Read(ctx, nil)
	if err != nil {
		return nil, mapError(err, opRead)
	}

	props := &cosmigrate.ContainerProperties{ID: ref.Container}
	if p := resp.ContainerProperties; p != nil {
		if len(p.PartitionKeyDefinition.Paths) > 0 {
			props.PartitionKeyPath = p.PartitionKeyDefinition.Paths[0]
		}
		if p.IndexingPolicy != nil {
			b, err := json.Marshal(p.IndexingPolicy)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal indexing policy of %s: %w", ref, err)
			}
			props.IndexingPolicy = b
		}
	}

	tp, err := c.ReadThroughput(ctx, nil)
	switch {
	case err == nil:
		if tp.ThroughputProperties != nil {
			if manual, err := tp.ThroughputProperties.ManualThroughput(); err == nil {
				props.Throughput = manual
			}
		}
	case errors.Is(mapError(err, opRead), cosmigrate.ErrNotFound):
		// container draws from database level throughput.
		log.Debug().Str("container", ref.String()).Msg("container has no dedicated throughput")
	default:
		return nil, mapError(err, opRead)
	}
	return props, nil
}

func (a *Account) CreateDatabase(ctx context.Context, name string) error {
	_, err := a.client.CreateDatabase(ctx, azcosmos.DatabaseProperties{ID: name}, nil)
	return mapError(err, opProvision)
}

func (a *Account) CreateContainer(ctx context.Context, database string, props cosmigrate.ContainerProperties) error {
	db, err := a.client.NewDatabase(database)
	if err != nil {
		return err
	}
	cp := azcosmos.ContainerProperties{
		ID: props.ID,
		PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{
			Paths: []string{props.PartitionKeyPath},
		},
	}
	if len(props.IndexingPolicy) > 0 {
		var ip azcosmos.IndexingPolicy
		if err := json.Unmarshal(props.IndexingPolicy, &ip); err != nil {
			return &cosmigrate.FatalRemoteError{Err: fmt.Errorf("invalid indexing policy: %w", err)}
		}
		cp.IndexingPolicy = &ip
	}

	var opts *azcosmos.CreateContainerOptions
	if props.Throughput > 0 {
		tp := azcosmos.NewManualThroughputProperties(props.Throughput)
		opts = &azcosmos.CreateContainerOptions{ThroughputProperties: &tp}
	}
	_, err = db.CreateContainer(ctx, cp, opts)
	return mapError(err, opProvision)
}

func (a *Account) ReadPage(ctx context.Context, ref cosmigrate.ContainerRef, continuation string, pageSizeHint int) (*cosmigrate.Page, error) {
	c, err := a.container(ref)
	if err != nil {
		return nil, err
	}
	opts := &azcosmos.QueryOptions{PageSizeHint: int32(pageSizeHint)}
	if continuation != "" {
		opts.ContinuationToken = to.Ptr(continuation)
	}

	pager := c.NewQueryItemsPager(itemsQuery, azcosmos.NewPartitionKey(), opts)
	if !pager.More() {
		return &cosmigrate.Page{}, nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, mapError(err, opRead)
	}

	page := &cosmigrate.Page{Items: make([]json.RawMessage, 0, len(resp.Items))}
	for _, item := range resp.Items {
		page.Items = append(page.Items, json.RawMessage(item))
	}
	if resp.ContinuationToken != nil {
		page.ContinuationToken = *resp.ContinuationToken
	}
	return page, nil
}

func (a *Account) UpsertIfAbsent(ctx context.Context, ref cosmigrate.ContainerRef, doc cosmigrate.Document) (cosmigrate.InsertOutcome, error) {
	pk, err := partitionKey(doc.PartitionKey)
	if err != nil {
		return cosmigrate.OutcomeRejected, &cosmigrate.ItemRejectedError{ItemID: doc.ID, Reason: "unsupported partition key", Err: err}
	}
	c, err := a.container(ref)
	if err != nil {
		return 0, err
	}
	_, err = c.CreateItem(ctx, pk, doc.Body, nil)
	if err == nil {
		return cosmigrate.OutcomeInserted, nil
	}
	err = mapError(err, opWrite)
	if errors.Is(err, cosmigrate.ErrAlreadyExists) {
		return cosmigrate.OutcomeAlreadyPresent, nil
	}
	var rejected *cosmigrate.ItemRejectedError
	if errors.As(err, &rejected) {
		rejected.ItemID = doc.ID
		return cosmigrate.OutcomeRejected, rejected
	}
	return 0, err
}

// CountItems sums the partial counts the gateway returns per physical partition.
func (a *Account) CountItems(ctx context.Context, ref cosmigrate.ContainerRef) (int64, error) {
	c, err := a.container(ref)
	if err != nil {
		return 0, err
	}
	var total int64
	pager := c.NewQueryItemsPager(countQuery, azcosmos.NewPartitionKey(), nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, mapError(err, opRead)
		}
		for _, item := range resp.Items {
			var n int64
			if err := json.Unmarshal(item, &n); err != nil {
				return 0, fmt.Errorf("failed to decode item count of %s: %w", ref, err)
			}
			total += n
		}
	}
	return total, nil
}

func partitionKey(v any) (azcosmos.PartitionKey, error) {
	switch pk := v.(type) {
	case string:
		return azcosmos.NewPartitionKeyString(pk), nil
	case float64:
		return azcosmos.NewPartitionKeyNumber(pk), nil
	case bool:
		return azcosmos.NewPartitionKeyBool(pk), nil
	default:
		return azcosmos.PartitionKey{}, fmt.Errorf("partition key of type %T", v)
	}
}

// mapError translates SDK failures into the cosmigrate error taxonomy.
func mapError(err error, kind opKind) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		// transport failures keep their type so that net errors classify as transient.
		return err
	}

	switch code := respErr.StatusCode; {
	case code == http.StatusTooManyRequests:
		return &cosmigrate.ThrottledError{RetryAfter: retryAfter(respErr.RawResponse), Err: err}
	case code == http.StatusRequestTimeout, code == statusRetryWith, code >= 500:
		return &cosmigrate.TransientError{Err: err}
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %w", cosmigrate.ErrAlreadyExists, err)
	case code == http.StatusForbidden && kind == opProvision:
		return &cosmigrate.FatalRemoteError{StatusCode: code, Err: err}
	case code == http.StatusForbidden && kind == opWrite && substatus(respErr.RawResponse) == substatusPartitionKeyQuota:
		return &cosmigrate.ItemRejectedError{Reason: "logical partition is full", Err: err}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &cosmigrate.FatalRemoteError{StatusCode: code, AccountWide: true, Err: err}
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", cosmigrate.ErrNotFound, err)
	case kind == opWrite && (code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge):
		return &cosmigrate.ItemRejectedError{Reason: fmt.Sprintf("refused by target (status %d)", code), Err: err}
	default:
		return &cosmigrate.FatalRemoteError{StatusCode: code, Err: err}
	}
}

func substatus(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	n, err := strconv.Atoi(resp.Header.Get(headerSubstatus))
	if err != nil {
		return 0
	}
	return n
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get(headerRetryAfterMs)
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseFloat(v, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
