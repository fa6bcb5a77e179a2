package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afdsend/internal/archive"
	"github.com/afd-project/afdsend/internal/ftpclient/faketp"
	"github.com/afd-project/afdsend/internal/ftpclient/wire"
	"github.com/afd-project/afdsend/internal/outputlog"
	"github.com/afd-project/afdsend/internal/worker"
	"github.com/afd-project/afdsend/pkg/afderrors"
	"github.com/afd-project/afdsend/pkg/afdlog"
)

func newWorkerCtx(t *testing.T, srv *faketp.Server, host worker.HostConfig, manifest *worker.Manifest) *worker.WorkerCtx {
	t.Helper()
	log, err := afdlog.New(afdlog.DefaultConfig())
	require.NoError(t, err)

	archiveRoot := t.TempDir()
	host.Hostname = "127.0.0.1"
	host.Port = srv.Port()
	if host.TransferMode == 0 {
		host.TransferMode = 'I'
	}
	if host.ConnectTimeout == 0 {
		host.ConnectTimeout = 5 * time.Second
	}
	if host.TransferTimeout == 0 {
		host.TransferTimeout = 5 * time.Second
	}
	if host.BlockSize == 0 {
		host.BlockSize = 4096
	}

	return &worker.WorkerCtx{
		Client:    wire.New(wire.DefaultConfig()),
		Host:      host,
		Job:       manifest,
		Finalizer: archive.New(archiveRoot, 0, 0, log),
		Logger:    log,
	}
}

func stageFile(t *testing.T, dir, name, content string) worker.FileJob {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return worker.FileJob{LocalPath: path, BaseName: name, Size: info.Size(), Mtime: info.ModTime(), HasMtime: true}
}

func TestRunDeliversABatchAndReportsSuccess(t *testing.T) {
	remoteRoot := t.TempDir()
	srv, err := faketp.Start(remoteRoot)
	require.NoError(t, err)
	defer srv.Close()

	stageDir := t.TempDir()
	job1 := stageFile(t, stageDir, "first.dat", "hello world")
	job2 := stageFile(t, stageDir, "second.dat", "goodbye")

	manifest := &worker.Manifest{JobID: 99, FilesToSend: []worker.FileJob{job1, job2}}
	wctx := newWorkerCtx(t, srv, worker.HostConfig{Alias: "anonymous", CreateTargetDir: true, CheckSize: true}, manifest)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := worker.Run(ctx, wctx, nil)

	require.Nil(t, result.Err)
	assert.Equal(t, afderrors.SUCCESS, result.Code)
	assert.Equal(t, 2, result.FilesSent)
	assert.EqualValues(t, len("hello world")+len("goodbye"), result.BytesSent)

	_, err = os.Stat(filepath.Join(remoteRoot, "first.dat"))
	assert.NoError(t, err, "delivered file should exist under the peer root")
	_, err = os.Stat(job1.LocalPath)
	assert.True(t, os.IsNotExist(err), "a delivered file with archiving disabled is unlinked locally")
}

func TestRunWritesOutputLogRecordPerDeliveredFile(t *testing.T) {
	remoteRoot := t.TempDir()
	srv, err := faketp.Start(remoteRoot)
	require.NoError(t, err)
	defer srv.Close()

	stageDir := t.TempDir()
	job := stageFile(t, stageDir, "only.dat", "payload")
	manifest := &worker.Manifest{JobID: 1, FilesToSend: []worker.FileJob{job}}
	wctx := newWorkerCtx(t, srv, worker.HostConfig{Alias: "anonymous"}, manifest)

	logPath := filepath.Join(t.TempDir(), "output_log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	wctx.OutputLog = outputlog.New(f)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := worker.Run(ctx, wctx, nil)
	require.Nil(t, result.Err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	rec, n, err := outputlog.Decode(data)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Equal(t, "only.dat", rec.FileName)
	assert.Equal(t, outputlog.OTNormalDelivered, rec.OutputType)
}

func TestRunSurfacesConnectError(t *testing.T) {
	remoteRoot := t.TempDir()
	srv, err := faketp.Start(remoteRoot)
	require.NoError(t, err)
	srv.Close() // nothing listening on the port by the time Run dials it

	manifest := &worker.Manifest{JobID: 1}
	wctx := newWorkerCtx(t, srv, worker.HostConfig{Alias: "anonymous"}, manifest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := worker.Run(ctx, wctx, nil)

	require.NotNil(t, result.Err)
	assert.Equal(t, afderrors.CONNECT_ERROR, result.Code)
}

func TestRunSurfacesUserErrorOnRejectedLogin(t *testing.T) {
	remoteRoot := t.TempDir()
	srv, err := faketp.Start(remoteRoot)
	require.NoError(t, err)
	defer srv.Close()
	srv.FailCommands["USER"] = 502

	manifest := &worker.Manifest{JobID: 1}
	wctx := newWorkerCtx(t, srv, worker.HostConfig{Alias: "anonymous"}, manifest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := worker.Run(ctx, wctx, nil)

	require.NotNil(t, result.Err)
	assert.Equal(t, afderrors.USER_ERROR, result.Code)
}

func TestRunContinuesBurstUntilSupervisorStops(t *testing.T) {
	remoteRoot := t.TempDir()
	srv, err := faketp.Start(remoteRoot)
	require.NoError(t, err)
	defer srv.Close()

	stageDir := t.TempDir()
	first := stageFile(t, stageDir, "batch-one.dat", "one")
	second := stageFile(t, stageDir, "batch-two.dat", "two")

	manifest := &worker.Manifest{JobID: 1, FilesToSend: []worker.FileJob{first}}
	wctx := newWorkerCtx(t, srv, worker.HostConfig{Alias: "anonymous"}, manifest)

	served := false
	nextBatch := func() (*worker.Manifest, worker.ValuesChanged, bool) {
		if served {
			return nil, 0, false
		}
		served = true
		return &worker.Manifest{JobID: 2, FilesToSend: []worker.FileJob{second}}, 0, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := worker.Run(ctx, wctx, nextBatch)

	require.Nil(t, result.Err)
	assert.Equal(t, 2, result.FilesSent)
	assert.Equal(t, 1, result.BurstCount)
	assert.True(t, served)
}
