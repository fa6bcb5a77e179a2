package wire_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afdsend/internal/ftpclient"
	"github.com/afd-project/afdsend/internal/ftpclient/faketp"
	"github.com/afd-project/afdsend/internal/ftpclient/wire"
)

func newConnectedClient(t *testing.T, srv *faketp.Server) *wire.Client {
	t.Helper()
	c := wire.New(wire.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply := c.Connect(ctx, "127.0.0.1", srv.Port(), false, false, false)
	require.True(t, reply.OK(), "connect: %+v", reply)
	require.True(t, c.User(ctx, "anonymous").OK())
	require.True(t, c.Pass(ctx, "test@example.com").OK())
	return c
}

func TestStoreThenRetrRoundTrips(t *testing.T) {
	root := t.TempDir()
	srv, err := faketp.Start(root)
	require.NoError(t, err)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, reply := c.DataOpen(ctx, "hello.txt", 0, ftpclient.ModeStore, ftpclient.DirectionUpload, 0, false, "")
	require.True(t, reply.OK(), "%+v", reply)
	n, writeReply := c.Write([]byte("hello world"), nil, len("hello world"))
	require.True(t, writeReply.OK())
	assert.Equal(t, len("hello world"), n)
	require.True(t, c.CloseData(ctx).OK())

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	size, reply := c.Size(ctx, "hello.txt")
	require.True(t, reply.OK())
	assert.EqualValues(t, len("hello world"), size)
}

func TestDataOpenCreatesMissingDirectory(t *testing.T) {
	root := t.TempDir()
	srv, err := faketp.Start(root)
	require.NoError(t, err)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	createdPath, reply := c.DataOpen(ctx, "/incoming/nested/file.dat", 0, ftpclient.ModeStore, ftpclient.DirectionUpload, 0, true, "0755")
	require.True(t, reply.OK(), "%+v", reply)
	assert.Equal(t, "/incoming/nested", createdPath)
	_, writeReply := c.Write([]byte("x"), nil, 1)
	require.True(t, writeReply.OK())
	require.True(t, c.CloseData(ctx).OK())

	_, err = os.Stat(filepath.Join(root, "incoming", "nested", "file.dat"))
	require.NoError(t, err)
}

func TestMoveRenamesFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "source.dat"), []byte("data"), 0o644))
	srv, err := faketp.Start(root)
	require.NoError(t, err)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, reply := c.Move(ctx, "source.dat", "archived.dat", true, false, "")
	require.True(t, reply.OK(), "%+v", reply)

	_, err = os.Stat(filepath.Join(root, "archived.dat"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "source.dat"))
	require.Error(t, err)
}

func TestFailedStoreSurfacesProtocolCode(t *testing.T) {
	root := t.TempDir()
	srv, err := faketp.Start(root)
	require.NoError(t, err)
	defer srv.Close()
	srv.FailCommands["STOR"] = 553

	c := newConnectedClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, reply := c.DataOpen(ctx, "blocked.txt", 0, ftpclient.ModeStore, ftpclient.DirectionUpload, 0, false, "")
	assert.False(t, reply.OK())
	assert.Equal(t, 553, reply.Code)
}

func TestDeleRemovesFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.dat"), []byte("x"), 0o644))
	srv, err := faketp.Start(root)
	require.NoError(t, err)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, c.Dele(ctx, "gone.dat").OK())
	_, err = os.Stat(filepath.Join(root, "gone.dat"))
	require.Error(t, err)
}

func TestQuitClosesConnection(t *testing.T) {
	root := t.TempDir()
	srv, err := faketp.Start(root)
	require.NoError(t, err)
	defer srv.Close()

	c := newConnectedClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, c.Quit(ctx).OK())
}
