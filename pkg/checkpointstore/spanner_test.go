package checkpointstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/anicoll/cosmigrate"
	"github.com/anicoll/cosmigrate/internal/helper"
	"github.com/anicoll/cosmigrate/pkg/interceptor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/option"
)

const (
	projectID  = "local-project"
	instanceID = "local-instance"
)

type SpannerTestSuite struct {
	suite.Suite
	ctx    context.Context
	stop   func()
	client *spanner.Client
	store  *SpannerCheckpointStore
}

func TestSpannerTestSuite(t *testing.T) {
	suite.Run(t, new(SpannerTestSuite))
}

func (s *SpannerTestSuite) SetupSuite() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	s.ctx = context.Background()

	stop, ok, err := helper.SpannerEmulator(s.ctx)
	s.Require().NoError(err)
	if !ok {
		s.T().Skip("no spanner emulator: set SPANNER_EMULATOR_HOST or COSMIGRATE_TESTCONTAINERS=true")
		return
	}
	s.stop = stop

	instanceName, err := helper.CreateInstance(s.ctx, projectID, instanceID)
	s.Require().NoError(err)

	databaseID := "ckpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	dsn, err := helper.CreateDatabase(s.ctx, instanceName, databaseID)
	s.Require().NoError(err)

	limiter := interceptor.NewLimitInterceptor(4)
	opts := make([]option.ClientOption, 0, 2)
	for _, o := range limiter.DialOptions() {
		opts = append(opts, option.WithGRPCDialOption(o))
	}
	s.client, err = spanner.NewClient(s.ctx, dsn, opts...)
	s.Require().NoError(err)

	s.store = NewSpanner(s.client, "Checkpoints")
	s.Require().NoError(s.store.RunMigrations(s.ctx))
}

func (s *SpannerTestSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	if s.stop != nil {
		s.stop()
	}
}

func (s *SpannerTestSuite) TestRunMigrationsIsIdempotent() {
	s.NoError(s.store.RunMigrations(s.ctx))
}

func (s *SpannerTestSuite) TestCheckpointStoreBehaviour() {
	testCheckpointStore(s.T(), s.store)
}

func (s *SpannerTestSuite) TestUpdatedAtIsCommitTimestamp() {
	key := fmt.Sprintf("db/%s", uuid.NewString())
	before := time.Now().Add(-time.Minute)
	s.Require().NoError(s.store.Set(s.ctx, key, cosmigrate.Checkpoint{ContinuationToken: "t", UpdatedAt: time.Unix(0, 0)}))

	cp, err := s.store.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(cp)
	s.True(cp.UpdatedAt.After(before))
}

func (s *SpannerTestSuite) TestList() {
	key := fmt.Sprintf("list/%s", uuid.NewString())
	s.Require().NoError(s.store.Set(s.ctx, key, cosmigrate.Checkpoint{ContinuationToken: "7", Inserted: 7}))

	all, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Contains(all, key)
	s.Equal(int64(7), all[key].Inserted)
}
