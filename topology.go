package cosmigrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ThroughputMode selects how target containers are provisioned.
type ThroughputMode int

const (
	// ThroughputMatchSource copies the source container's dedicated throughput.
	ThroughputMatchSource ThroughputMode = iota
	// ThroughputFixed provisions every created container with the same value.
	ThroughputFixed
	// ThroughputSkipCreation never creates target resources.
	ThroughputSkipCreation
)

const (
	ThroughputMatchSourceName    = "match-source"
	ThroughputFixedName          = "fixed"
	ThroughputSkipCreationName   = "skip-creation"
	minimumManualThroughputValue = 400
)

// ThroughputPolicy is the caller-configurable provisioning policy.
type ThroughputPolicy struct {
	Mode  ThroughputMode
	Fixed int32
}

func (p ThroughputPolicy) String() string {
	switch p.Mode {
	case ThroughputFixed:
		return fmt.Sprintf("%s:%d", ThroughputFixedName, p.Fixed)
	case ThroughputSkipCreation:
		return ThroughputSkipCreationName
	default:
		return ThroughputMatchSourceName
	}
}

// ParseThroughputPolicy parses "match-source", "skip-creation" or "fixed:<value>".
func ParseThroughputPolicy(s string) (ThroughputPolicy, error) {
	name, value, hasValue := strings.Cut(strings.TrimSpace(s), ":")
	switch name {
	case ThroughputMatchSourceName, "":
		return ThroughputPolicy{Mode: ThroughputMatchSource}, nil
	case ThroughputSkipCreationName:
		return ThroughputPolicy{Mode: ThroughputSkipCreation}, nil
	case ThroughputFixedName:
		if !hasValue {
			return ThroughputPolicy{}, fmt.Errorf("throughput policy %q requires a value, e.g. fixed:400", s)
		}
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return ThroughputPolicy{}, fmt.Errorf("invalid fixed throughput %q: %w", value, err)
		}
		if n < minimumManualThroughputValue {
			return ThroughputPolicy{}, fmt.Errorf("fixed throughput must be at least %d, got %d", minimumManualThroughputValue, n)
		}
		return ThroughputPolicy{Mode: ThroughputFixed, Fixed: int32(n)}, nil
	default:
		return ThroughputPolicy{}, fmt.Errorf("invalid throughput policy: %s", s)
	}
}

// throughputFor returns the throughput to request for a target container
// created from source. Zero requests no dedicated throughput.
func (p ThroughputPolicy) throughputFor(source *ContainerProperties) int32 {
	if p.Mode == ThroughputFixed {
		return p.Fixed
	}
	return source.Throughput
}

// Filter restricts discovery to a database and optionally a single container in it.
type Filter struct {
	Database  string
	Container string
}

// TopologyMapper discovers source containers and maps them onto the target
// account, creating missing target databases and containers on demand.
type TopologyMapper struct {
	source   AccountClient
	target   AccountClient
	governor *Governor
	policy   ThroughputPolicy
	filter   Filter

	group singleflight.Group
}

// NewTopologyMapper returns a mapper between source and target.
func NewTopologyMapper(source, target AccountClient, governor *Governor, policy ThroughputPolicy, filter Filter) *TopologyMapper {
	return &TopologyMapper{
		source:   source,
		target:   target,
		governor: governor,
		policy:   policy,
		filter:   filter,
	}
}

// Discover enumerates source databases and containers and returns one
// pending migration unit per source container. Target resources are only
// inspected here; Provision creates them.
//
// A database or container that cannot be inspected yields a unit carrying the
// error, which the orchestrator fails without affecting other units. Discovery
// itself fails only on account-wide errors, cancellation, or when the
// container named by the filter cannot be read.
func (m *TopologyMapper) Discover(ctx context.Context) ([]*MigrationUnit, error) {
	databases, err := m.sourceDatabases(ctx)
	if err != nil {
		return nil, err
	}

	targetDatabases, err := WithRetry(ctx, m.governor, "list target databases", m.target.ListDatabases)
	if err != nil {
		return nil, fmt.Errorf("failed to list target databases: %w", err)
	}
	existingTargetDBs := make(map[string]bool, len(targetDatabases))
	for _, db := range targetDatabases {
		existingTargetDBs[db] = true
	}

	var units []*MigrationUnit
	for _, db := range databases {
		containers, err := m.sourceContainers(ctx, db)
		if err != nil {
			if !m.containable(ctx, err) {
				return nil, err
			}
			units = append(units, m.undiscovered(ContainerRef{Database: db}, err))
			continue
		}

		existingTargetContainers := map[string]bool{}
		var targetErr error
		if existingTargetDBs[db] {
			names, err := WithRetry(ctx, m.governor, "list target containers "+db, func(ctx context.Context) ([]string, error) {
				return m.target.ListContainers(ctx, db)
			})
			if err != nil {
				targetErr = fmt.Errorf("failed to list target containers of %s: %w", db, err)
				if !m.containable(ctx, err) {
					return nil, targetErr
				}
			}
			for _, name := range names {
				existingTargetContainers[name] = true
			}
		}

		for _, name := range containers {
			ref := ContainerRef{Database: db, Container: name}
			if targetErr != nil {
				units = append(units, m.undiscovered(ref, targetErr))
				continue
			}
			props, err := WithRetry(ctx, m.governor, "read source container "+ref.String(), func(ctx context.Context) (*ContainerProperties, error) {
				return m.source.ReadContainer(ctx, ref)
			})
			if err != nil {
				err = fmt.Errorf("failed to read source container %s: %w", ref, err)
				if m.filter.Container != "" || !m.containable(ctx, err) {
					return nil, err
				}
				units = append(units, m.undiscovered(ref, err))
				continue
			}
			if props.PartitionKeyPath == "" {
				log.Warn().Str("unit", ref.String()).Msgf("no partition key path, assuming %s", DefaultPartitionKeyPath)
				props.PartitionKeyPath = DefaultPartitionKeyPath
			}

			u := newUnit(ref, ref)
			u.SourceProps = props
			u.TargetExists = existingTargetContainers[name]
			units = append(units, u)

			log.Info().
				Str("unit", ref.String()).
				Str("partition_key", props.PartitionKeyPath).
				Int32("throughput", props.Throughput).
				Bool("target_exists", u.TargetExists).
				Msg("discovered container")
		}
	}
	return units, nil
}

// containable reports whether a discovery error can be confined to the
// database or container it concerns.
func (m *TopologyMapper) containable(ctx context.Context, err error) bool {
	return ctx.Err() == nil && !IsAccountWide(err)
}

func (m *TopologyMapper) undiscovered(ref ContainerRef, err error) *MigrationUnit {
	log.Error().Str("unit", ref.String()).Err(err).Msg("failed to discover container")
	u := newUnit(ref, ref)
	u.discoveryErr = err
	u.setErr(err)
	return u
}

func (m *TopologyMapper) sourceDatabases(ctx context.Context) ([]string, error) {
	if m.filter.Database != "" {
		return []string{m.filter.Database}, nil
	}
	dbs, err := WithRetry(ctx, m.governor, "list source databases", m.source.ListDatabases)
	if err != nil {
		return nil, fmt.Errorf("failed to list source databases: %w", err)
	}
	return dbs, nil
}

func (m *TopologyMapper) sourceContainers(ctx context.Context, db string) ([]string, error) {
	if m.filter.Container != "" {
		return []string{m.filter.Container}, nil
	}
	names, err := WithRetry(ctx, m.governor, "list source containers "+db, func(ctx context.Context) ([]string, error) {
		return m.source.ListContainers(ctx, db)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list source containers of %s: %w", db, err)
	}
	return names, nil
}

// Provision makes sure the unit's target database and container exist and
// loads the target container's metadata into u.TargetProps. Rejected creates
// are returned as *ProvisioningError; account-wide failures keep their type.
func (m *TopologyMapper) Provision(ctx context.Context, u *MigrationUnit) error {
	if !u.TargetExists {
		if m.policy.Mode == ThroughputSkipCreation {
			return &ProvisioningError{
				Resource: "container " + u.Target.String(),
				Err:      fmt.Errorf("target container does not exist and throughput policy is %s", ThroughputSkipCreationName),
			}
		}
		if err := m.ensureDatabase(ctx, u.Target.Database); err != nil {
			return provisioningError("database "+u.Target.Database, err)
		}
		if err := m.createContainer(ctx, u); err != nil {
			return provisioningError("container "+u.Target.String(), err)
		}
	}

	props, err := WithRetry(ctx, m.governor, "read target container "+u.Target.String(), func(ctx context.Context) (*ContainerProperties, error) {
		return m.target.ReadContainer(ctx, u.Target)
	})
	if err != nil {
		return provisioningError("container "+u.Target.String(), err)
	}
	u.TargetProps = props
	return nil
}

// ensureDatabase coalesces concurrent creates of db by units sharing it.
func (m *TopologyMapper) ensureDatabase(ctx context.Context, db string) error {
	_, err, _ := m.group.Do(db, func() (any, error) {
		_, err := WithRetry(ctx, m.governor, "create database "+db, func(ctx context.Context) (struct{}, error) {
			err := m.target.CreateDatabase(ctx, db)
			if errors.Is(err, ErrAlreadyExists) {
				return struct{}{}, nil
			}
			return struct{}{}, err
		})
		if err == nil {
			log.Info().Str("database", db).Msg("target database ready")
		}
		return nil, err
	})
	return err
}

func (m *TopologyMapper) createContainer(ctx context.Context, u *MigrationUnit) error {
	props := ContainerProperties{
		ID:               u.Target.Container,
		PartitionKeyPath: u.SourceProps.PartitionKeyPath,
		Throughput:       m.policy.throughputFor(u.SourceProps),
		IndexingPolicy:   u.SourceProps.IndexingPolicy,
	}
	_, err := WithRetry(ctx, m.governor, "create container "+u.Target.String(), func(ctx context.Context) (struct{}, error) {
		err := m.target.CreateContainer(ctx, u.Target.Database, props)
		if errors.Is(err, ErrAlreadyExists) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("unit", u.Target.String()).
		Str("partition_key", props.PartitionKeyPath).
		Int32("throughput", props.Throughput).
		Msg("target container created")
	return nil
}

func provisioningError(resource string, err error) error {
	if IsAccountWide(err) {
		return err
	}
	return &ProvisioningError{Resource: resource, Err: err}
}
