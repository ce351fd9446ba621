// Package testsuite holds the behaviour every persistence.Backend has to show under the
// engine. Backends run it from their own tests with NewTestSuite.
package testsuite

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/stretchr/testify/suite"
)

const suitePageSize = 4

type persistenceModuleTestSuite struct {
	suite.Suite
	ctx      context.Context
	backend  persistence.Backend
	engine   *persistence.Engine
	provider BackendProvider
}

// BackendProvider returns an empty backend. It is called once per test.
type BackendProvider func() persistence.Backend

func NewTestSuite(provider BackendProvider) *persistenceModuleTestSuite {
	return &persistenceModuleTestSuite{
		provider: provider,
	}
}

func (s *persistenceModuleTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = s.provider()
	s.engine = s.newEngine(persistence.Options{})
}

func (s *persistenceModuleTestSuite) TearDownTest() {
	s.engine.Flush()
	defer s.engine.Close()
	log.Info("Tear down")
}

// newEngine builds an engine on the suite backend. Small pages make every read cross
// page boundaries.
func (s *persistenceModuleTestSuite) newEngine(opts persistence.Options) *persistence.Engine {
	if opts.PageSize == 0 {
		opts.PageSize = suitePageSize
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "testsuite")
	}
	engine, err := persistence.NewEngine(s.ctx, s.backend, opts)
	s.Require().NoError(err)
	return engine
}

// newPeerEngine builds a second engine on the same backend, like another process would.
// Closing it leaves the backend open.
func (s *persistenceModuleTestSuite) newPeerEngine(opts persistence.Options) *persistence.Engine {
	if opts.PageSize == 0 {
		opts.PageSize = suitePageSize
	}
	engine, err := persistence.NewEngine(s.ctx, sharedBackend{s.backend}, opts)
	s.Require().NoError(err)
	return engine
}

type sharedBackend struct {
	persistence.Backend
}

func (sharedBackend) Close() error {
	return nil
}
