package helper

import (
	"context"
	"fmt"
	"os"
	"strconv"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instance "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	spannerEmulatorImage = "gcr.io/cloud-spanner-emulator/emulator:1.5.37"
	spannerEmulatorPort  = "9010/tcp"

	// EnvTestcontainers enables tests that start their own containers.
	EnvTestcontainers = "COSMIGRATE_TESTCONTAINERS"
	// EnvSpannerEmulatorHost points the Spanner client libraries at an emulator.
	EnvSpannerEmulatorHost = "SPANNER_EMULATOR_HOST"
)

// NewTestContainer creates and starts a new test container with the specified image, environment variables, ports, wait strategy, and optional command arguments.
func NewTestContainer(ctx context.Context, image string, envVars map[string]string, ports []string, waitfor wait.Strategy, cmdArgs ...string) (testcontainers.Container, error) {
	req := testcontainers.ContainerRequest{
		Image:        image,
		Env:          envVars,
		ExposedPorts: ports,
		WaitingFor:   waitfor,
		Cmd:          cmdArgs,
	}

	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

// TestcontainersEnabled reports whether EnvTestcontainers is set to a true value.
func TestcontainersEnabled() bool {
	enabled, _ := strconv.ParseBool(os.Getenv(EnvTestcontainers))
	return enabled
}

// SpannerEmulator makes a Spanner emulator available to the current process.
// An emulator already configured through SPANNER_EMULATOR_HOST is reused;
// otherwise one is started with testcontainers. ok is false when neither is
// possible and the caller should skip.
func SpannerEmulator(ctx context.Context) (stop func(), ok bool, err error) {
	if os.Getenv(EnvSpannerEmulatorHost) != "" {
		return func() {}, true, nil
	}
	if !TestcontainersEnabled() {
		return nil, false, nil
	}

	c, err := NewTestContainer(ctx, spannerEmulatorImage, nil, []string{spannerEmulatorPort}, wait.ForListeningPort(spannerEmulatorPort))
	if err != nil {
		return nil, false, fmt.Errorf("failed to start spanner emulator: %w", err)
	}
	endpoint, err := c.PortEndpoint(ctx, spannerEmulatorPort, "")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, false, fmt.Errorf("failed to resolve spanner emulator endpoint: %w", err)
	}
	if err := os.Setenv(EnvSpannerEmulatorHost, endpoint); err != nil {
		_ = c.Terminate(ctx)
		return nil, false, err
	}

	return func() {
		_ = os.Unsetenv(EnvSpannerEmulatorHost)
		_ = c.Terminate(context.Background())
	}, true, nil
}

// CreateInstance creates a Spanner instance on the emulator. An instance that already exists is reused.
// Returns the instance name.
func CreateInstance(ctx context.Context, projectID, instanceID string) (string, error) {
	instanceAdminClient, err := instance.NewInstanceAdminClient(ctx)
	if err != nil {
		return "", err
	}
	defer instanceAdminClient.Close()

	name := fmt.Sprintf("projects/%s/instances/%s", projectID, instanceID)
	op, err := instanceAdminClient.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     "projects/" + projectID,
		InstanceId: instanceID,
		Instance: &instancepb.Instance{
			Config:      fmt.Sprintf("projects/%s/instanceConfigs/emulator-config", projectID),
			DisplayName: instanceID,
			NodeCount:   1,
		},
	})
	if err != nil {
		if _, getErr := instanceAdminClient.GetInstance(ctx, &instancepb.GetInstanceRequest{Name: name}); getErr == nil {
			return name, nil
		}
		return "", err
	}

	resp, err := op.Wait(ctx)
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}

// CreateDatabase creates a new Spanner database with the given parent instance name and database ID.
// Returns the database name or an error.
func CreateDatabase(ctx context.Context, parentInstanceName, databaseID string) (string, error) {
	databaseAdminClient, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return "", err
	}
	defer databaseAdminClient.Close()

	op, err := databaseAdminClient.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
		Parent:          parentInstanceName,
		CreateStatement: fmt.Sprintf("CREATE DATABASE `%s`", databaseID),
	})
	if err != nil {
		return "", err
	}

	resp, err := op.Wait(ctx)
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}
