package seeds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/storage/local"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) References(ctx context.Context, id string, fields []string) ([]paper.Paper, error) {
	args := m.Called(ctx, id, fields)
	return args.Get(0).([]paper.Paper), args.Error(1)
}

func (m *mockSource) Search(ctx context.Context, query string, fields []string) ([]paper.Paper, error) {
	args := m.Called(ctx, query, fields)
	return args.Get(0).([]paper.Paper), args.Error(1)
}

func newBlobs(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return blobs, dir
}

func TestResolveRefreshTakesFirstHit(t *testing.T) {
	t.Parallel()

	blobs, dir := newBlobs(t)
	src := &mockSource{}
	src.On("Search", mock.Anything, "Learning to Denoise Raw Mobile UI", paper.DefaultFields).
		Return([]paper.Paper{{PaperID: "p1"}, {PaperID: "p2"}}, nil)
	src.On("Search", mock.Anything, "Unknown", paper.DefaultFields).
		Return([]paper.Paper{}, nil)

	r := NewResolver(src, blobs, nil, nil)
	seeds, err := r.Resolve(context.Background(), []string{"Learning to Denoise Raw Mobile UI", "Unknown", " "}, true)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "p1", seeds[0].PaperID)
	assert.FileExists(t, filepath.Join(dir, "start_points.json"))
	src.AssertExpectations(t)

	// A second resolve without refresh reads the cache and never searches.
	cached, err := NewResolver(&mockSource{}, blobs, nil, nil).Resolve(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, seeds, cached)
}

func TestResolveWithoutCacheFallsBackToSearch(t *testing.T) {
	t.Parallel()

	blobs, _ := newBlobs(t)
	src := &mockSource{}
	src.On("Search", mock.Anything, "VUT", paper.DefaultFields).Return([]paper.Paper{{PaperID: "v"}}, nil)

	seeds, err := NewResolver(src, blobs, nil, nil).Resolve(context.Background(), []string{"VUT"}, false)
	require.NoError(t, err)
	assert.Equal(t, "v", seeds[0].PaperID)
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	t.Run("nothing cached and no titles", func(t *testing.T) {
		blobs, _ := newBlobs(t)
		_, err := NewResolver(&mockSource{}, blobs, nil, nil).Resolve(context.Background(), nil, false)
		require.ErrorIs(t, err, ErrNoSeeds)
	})

	t.Run("no title resolves", func(t *testing.T) {
		blobs, _ := newBlobs(t)
		src := &mockSource{}
		src.On("Search", mock.Anything, "nothing", mock.Anything).Return([]paper.Paper{}, nil)
		_, err := NewResolver(src, blobs, nil, nil).Resolve(context.Background(), []string{"nothing"}, true)
		require.ErrorIs(t, err, ErrNoSeeds)
	})

	t.Run("search failure", func(t *testing.T) {
		blobs, _ := newBlobs(t)
		src := &mockSource{}
		src.On("Search", mock.Anything, "t", mock.Anything).Return([]paper.Paper(nil), errors.New("503"))
		_, err := NewResolver(src, blobs, nil, nil).Resolve(context.Background(), []string{"t"}, true)
		require.ErrorContains(t, err, "503")
	})

	t.Run("corrupt cache", func(t *testing.T) {
		blobs, dir := newBlobs(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "start_points.json"), []byte("{"), 0o600))
		_, err := NewResolver(&mockSource{}, blobs, nil, nil).Resolve(context.Background(), []string{"t"}, false)
		require.ErrorContains(t, err, "decode seeds")
	})
}
