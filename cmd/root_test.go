package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/citation-crawler/internal/checkpoint"
	"github.com/JakeFAU/citation-crawler/internal/config"
	"github.com/JakeFAU/citation-crawler/internal/server"
)

type fakeApp struct {
	runErr       error
	titles       []string
	refreshSeeds bool
	includeDead  bool
	ran          bool
	closed       bool
}

func (f *fakeApp) RunID() int { return 7 }

func (f *fakeApp) Run(_ context.Context, titles []string, refreshSeeds, includeDeadLetters bool) (checkpoint.Result, error) {
	f.ran = true
	f.titles = titles
	f.refreshSeeds = refreshSeeds
	f.includeDead = includeDeadLetters
	return checkpoint.Result{Manifest: checkpoint.Manifest{Status: checkpoint.StatusCompleted}}, f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// installFakeApp swaps the factory for the duration of the test.
func installFakeApp(t *testing.T, app *fakeApp) *server.Options {
	t.Helper()
	var got server.Options
	orig := newApp
	newApp = func(_ context.Context, cfg *config.Config, opts server.Options) (App, error) {
		require.NotNil(t, cfg)
		got = opts
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &got
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestCrawlCommandPassesTitles(t *testing.T) {
	app := &fakeApp{}
	opts := installFakeApp(t, app)

	err := execute(t, "crawl", "--title", "Attention Is All You Need", "--title", "BERT", "--refresh-seeds")
	require.NoError(t, err)

	assert.True(t, app.ran)
	assert.True(t, app.closed)
	assert.Equal(t, []string{"Attention Is All You Need", "BERT"}, app.titles)
	assert.True(t, app.refreshSeeds)
	assert.False(t, opts.Resume)
}

func TestResumeCommandOptions(t *testing.T) {
	app := &fakeApp{}
	opts := installFakeApp(t, app)

	err := execute(t, "resume", "--from", "3", "--include-dead-letters")
	require.NoError(t, err)

	assert.Equal(t, server.Options{Resume: true, ResumeFrom: 3}, *opts)
	assert.True(t, app.includeDead)
	assert.True(t, app.closed)
}

func TestRunErrorStillCloses(t *testing.T) {
	app := &fakeApp{runErr: errors.New("boom")}
	installFakeApp(t, app)

	err := execute(t, "crawl")
	require.Error(t, err)
	assert.ErrorContains(t, err, "run 7")
	assert.True(t, app.closed)
}

func TestMissingConfigFile(t *testing.T) {
	app := &fakeApp{}
	installFakeApp(t, app)

	err := execute(t, "--config", "/nonexistent/citecrawl.yaml", "crawl")
	require.Error(t, err)
	assert.False(t, app.ran)
}

func TestInterruptBeforeCrawlExitsCleanly(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CITECRAWL_CHECKPOINT_ROOT", root)
	t.Setenv("CITECRAWL_SOURCE_BASE_URL", "http://127.0.0.1:1")
	t.Setenv("CITECRAWL_RATELIMIT_ENABLED", "false")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"crawl", "--title", "Attention Is All You Need"})
	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.DirExists(t, filepath.Join(root, "1"))
	assert.NoFileExists(t, filepath.Join(root, "1", checkpoint.DatabaseFile))
}
