package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-project/afdsend/internal/ftpclient"
	"github.com/afd-project/afdsend/pkg/afdlog"
)

// stubClient implements ftpclient.Client, recording which methods fired,
// to assert retuneForBurst only re-runs the states a changed flag asks for
// (spec.md §4.3.2).
type stubClient struct {
	ftpclient.Client
	typeCalls int
	cdCalls   int
	cdPaths   []string
}

func (s *stubClient) Type(ctx context.Context, mode byte) ftpclient.Reply {
	s.typeCalls++
	return ftpclient.SuccessReply()
}

func (s *stubClient) CD(ctx context.Context, path string, createIfMissing bool, dirMode string) (string, ftpclient.Reply) {
	s.cdCalls++
	s.cdPaths = append(s.cdPaths, path)
	return "", ftpclient.SuccessReply()
}

func mustLogger(t *testing.T) *afdlog.Logger {
	t.Helper()
	log, err := afdlog.New(afdlog.DefaultConfig())
	require.NoError(t, err)
	return log
}

func TestBurstSuppressedByKeepConnectedDisconnect(t *testing.T) {
	w := &WorkerCtx{Host: HostConfig{KeepConnectedDisconnect: true, KeepConnected: 10 * time.Millisecond}}
	w.connectedAt = time.Now().Add(-20 * time.Millisecond)
	assert.True(t, w.burstSuppressed())
}

func TestBurstSuppressedByPositiveDisconnectWindow(t *testing.T) {
	w := &WorkerCtx{Host: HostConfig{Disconnect: 10 * time.Millisecond}}
	w.connectedAt = time.Now().Add(-20 * time.Millisecond)
	assert.True(t, w.burstSuppressed())
}

func TestBurstNotSuppressedWithinWindow(t *testing.T) {
	w := &WorkerCtx{Host: HostConfig{KeepConnectedDisconnect: true, KeepConnected: time.Hour}}
	w.connectedAt = time.Now()
	assert.False(t, w.burstSuppressed())
}

func TestNextBurstReturnsNotOKWhenSuppressed(t *testing.T) {
	w := &WorkerCtx{Host: HostConfig{Disconnect: time.Millisecond}}
	w.connectedAt = time.Now().Add(-time.Second)

	called := false
	_, _, ok := w.nextBurst(func() (*Manifest, ValuesChanged, bool) {
		called = true
		return &Manifest{}, 0, true
	})
	assert.False(t, ok)
	assert.False(t, called, "a suppressed burst must not even ask the supervisor for the next batch")
}

func TestNextBurstReturnsNotOKWithNilCallback(t *testing.T) {
	w := &WorkerCtx{}
	_, _, ok := w.nextBurst(nil)
	assert.False(t, ok)
}

func TestNextBurstDelegatesWhenNotSuppressed(t *testing.T) {
	w := &WorkerCtx{}
	want := &Manifest{JobID: 7}
	manifest, changed, ok := w.nextBurst(func() (*Manifest, ValuesChanged, bool) {
		return want, AuthChanged, true
	})
	require.True(t, ok)
	assert.Same(t, want, manifest)
	assert.Equal(t, AuthChanged, changed)
}

func TestRetuneForBurstOnlyReRunsChangedStates(t *testing.T) {
	stub := &stubClient{}
	w := &WorkerCtx{Client: stub, Host: HostConfig{TransferMode: 'I'}}
	log := mustLogger(t)

	require.Nil(t, w.retuneForBurst(context.Background(), log, 0))
	assert.Equal(t, 0, stub.typeCalls)
	assert.Equal(t, 0, stub.cdCalls)

	require.Nil(t, w.retuneForBurst(context.Background(), log, TypeChanged))
	assert.Equal(t, 1, stub.typeCalls)
	assert.Equal(t, 0, stub.cdCalls)

	require.Nil(t, w.retuneForBurst(context.Background(), log, TargetDirChanged))
	assert.Equal(t, 1, stub.typeCalls)
	assert.Equal(t, 2, stub.cdCalls, "a burst CD re-entry issues a pre-cd-home CD before the real one")

	require.Nil(t, w.retuneForBurst(context.Background(), log, AuthChanged|TargetDirChanged))
	assert.Equal(t, 1, stub.typeCalls, "AuthChanged re-runs tune, but TYPE is only re-sent when TypeChanged is set")
	assert.Equal(t, 4, stub.cdCalls)
}
