package cosmigrate

import (
	"context"
	"encoding/json"
)

// AccountClient is an authenticated handle to one document store account.
// Implementations must be safe for concurrent use and must map their
// transport failures onto the error taxonomy in errors.go so that the
// retry governor can classify them.
type AccountClient interface {
	// ListDatabases returns the names of every database in the account.
	ListDatabases(ctx context.Context) ([]string, error)
	// ListContainers returns the names of every container in the database.
	ListContainers(ctx context.Context, database string) ([]string, error)
	// ReadContainer returns the container metadata. Returns an error wrapping ErrNotFound if it does not exist.
	ReadContainer(ctx context.Context, ref ContainerRef) (*ContainerProperties, error)
	// CreateDatabase creates the database. Returns an error wrapping ErrAlreadyExists if it already exists.
	CreateDatabase(ctx context.Context, name string) error
	// CreateContainer creates the container. Returns an error wrapping ErrAlreadyExists if it already exists.
	CreateContainer(ctx context.Context, database string, props ContainerProperties) error
	// ReadPage reads at most pageSizeHint items starting at continuation.
	// An empty continuation starts from the beginning of the container.
	ReadPage(ctx context.Context, ref ContainerRef, continuation string, pageSizeHint int) (*Page, error)
	// UpsertIfAbsent inserts the document unless one with the same id and partition key already exists.
	UpsertIfAbsent(ctx context.Context, ref ContainerRef, doc Document) (InsertOutcome, error)
}

// ItemCounter is implemented by account clients able to count the items of a container.
// It is used by the optional post-copy verification.
type ItemCounter interface {
	CountItems(ctx context.Context, ref ContainerRef) (int64, error)
}

// ContainerRef identifies a container within an account.
type ContainerRef struct {
	Database  string `json:"database"`
	Container string `json:"container"`
}

func (r ContainerRef) String() string {
	if r.Container == "" {
		return r.Database + "/*"
	}
	return r.Database + "/" + r.Container
}

// ContainerProperties is the metadata of a container relevant to a migration.
type ContainerProperties struct {
	ID               string `json:"id"`
	PartitionKeyPath string `json:"partition_key_path"`
	// Throughput is the dedicated provisioned throughput. Zero means the container uses shared throughput.
	Throughput int32 `json:"throughput,omitempty"`
	// IndexingPolicy is carried over verbatim when the target container is created.
	IndexingPolicy json.RawMessage `json:"indexing_policy,omitempty"`
}

// Page is an ordered, bounded batch of raw JSON items.
// ContinuationToken is empty when the container is exhausted.
type Page struct {
	Items             []json.RawMessage
	ContinuationToken string
}

// Document is an item ready to be written: its identity extracted from the body.
type Document struct {
	ID           string
	PartitionKey any
	Body         []byte
}

// InsertOutcome is the result of a conflict-safe write.
type InsertOutcome int

const (
	// OutcomeInserted indicates the item did not exist and was written.
	OutcomeInserted InsertOutcome = iota + 1
	// OutcomeAlreadyPresent indicates an item with the same id and partition key already existed.
	OutcomeAlreadyPresent
	// OutcomeRejected indicates the item was permanently refused and skipped.
	OutcomeRejected
)

func (o InsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeAlreadyPresent:
		return "already_present"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
