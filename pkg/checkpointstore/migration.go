package checkpointstore

import (
	"context"
	"fmt"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
)

// RunMigrations creates the checkpoint table if it does not exist.
// It is idempotent and can be safely called multiple times.
func (s *SpannerCheckpointStore) RunMigrations(ctx context.Context) error {
	databaseAdminClient, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	defer databaseAdminClient.Close()

	checkpointStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		%[2]s STRING(MAX) NOT NULL,
		%[3]s STRING(MAX) NOT NULL,
		%[4]s INT64 NOT NULL,
		%[5]s INT64 NOT NULL,
		%[6]s INT64 NOT NULL,
		%[7]s TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
		) PRIMARY KEY (%[2]s), ROW DELETION POLICY (OLDER_THAN(%[7]s, INTERVAL 30 DAY))`,
		s.tableName,
		columnUnitKey,
		columnContinuationToken,
		columnInserted,
		columnAlreadyPresent,
		columnRejected,
		columnUpdatedAt,
	)

	req := &databasepb.UpdateDatabaseDdlRequest{
		Database:   s.client.DatabaseName(),
		Statements: []string{checkpointStmt},
	}
	op, err := databaseAdminClient.UpdateDatabaseDdl(ctx, req)
	if err != nil {
		return err
	}

	if err := op.Wait(ctx); err != nil {
		return err
	}

	return nil
}
