package ingest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/source"
)

// --- Fetcher Mock ---

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, src *source.Source, target model.Target) (*model.RawFetch, error) {
	args := m.Called(ctx, src, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RawFetch), args.Error(1)
}

// --- Writer Mock ---

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) Write(ctx context.Context, batch *model.Batch) (*model.WriteResult, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WriteResult), args.Error(1)
}

func (m *mockWriter) EnsureTables(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
