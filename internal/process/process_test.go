package process

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/mead/internal/bridge"
	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// augment reads count ints from its receive end and sends each one plus one.
func augment(ctx context.Context, args []any, kwargs map[string]any) error {
	in, err := RecvEndArg(args, 0)
	if err != nil {
		return err
	}
	out, err := SendEndArg(args, 1)
	if err != nil {
		return err
	}
	count, _ := kwargs["count"].(int)
	for i := 0; i < count; i++ {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		if err := out.Send(ctx, v.(int)+1); err != nil {
			return err
		}
	}
	return nil
}

func sleepy(ctx context.Context, _ []any, _ map[string]any) error {
	<-ctx.Done()
	return ctx.Err()
}

func testTargets(stuck chan struct{}) *Targets {
	targets := NewTargets()
	targets.Register("augment", augment)
	targets.Register("sleepy", sleepy)
	targets.Register("stubborn", func(context.Context, []any, map[string]any) error {
		<-stuck
		return nil
	})
	return targets
}

type harness struct {
	rt         *Runtime
	workerLink *bridge.Loopback
	done       chan error
}

func newHarness(t *testing.T, ctx context.Context, controllerGrace, workerGrace time.Duration) *harness {
	t.Helper()

	codec := protocol.NewGobCodec()
	a, b := bridge.NewLoopback(codec, quietLogger())
	t.Cleanup(func() { _ = a.Close() })

	rt := NewRuntime(Options{Codec: codec, Logger: quietLogger(), GracePeriod: controllerGrace})
	require.NoError(t, rt.AddLink("alpha", a))

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	h := &harness{rt: rt, workerLink: b, done: make(chan error, 1)}
	go func() {
		h.done <- Serve(ctx, b, WorkerConfig{
			Host:        "alpha",
			Targets:     testTargets(stuck),
			Codec:       codec,
			GracePeriod: workerGrace,
			Logger:      quietLogger(),
		})
	}()
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

func TestProcessRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, ctx, time.Second, time.Second)
	toSend, toRecv := h.rt.NewChannel()
	fromSend, fromRecv := h.rt.NewChannel()

	const n = 100
	p := h.rt.NewProcess("augment", "", []any{toRecv, fromSend}, map[string]any{"count": n})
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, "alpha", p.Host)

	for i := 0; i < n; i++ {
		require.NoError(t, toSend.Send(ctx, i))
		v, err := fromRecv.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, v)
	}

	require.NoError(t, p.Join(ctx, 0))
	require.NoError(t, h.wait(t))
	assert.Equal(t, 2, h.rt.Registry().Len())
}

func TestProcessDeliversBeforeJoin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, ctx, time.Second, time.Second)
	toSend, toRecv := h.rt.NewChannel()
	fromSend, fromRecv := h.rt.NewChannel()

	const n = 20
	p := h.rt.NewProcess("augment", "alpha", []any{toRecv, fromSend}, map[string]any{"count": n})
	require.NoError(t, p.Start(ctx))
	for i := 0; i < n; i++ {
		require.NoError(t, toSend.Send(ctx, i))
	}
	require.NoError(t, p.Join(ctx, 0))

	// Everything the target sent is already local once Join returns.
	for i := 0; i < n; i++ {
		v, err := fromRecv.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, v)
	}
	require.NoError(t, h.wait(t))
}

func TestProcessJoinTimeoutThenTerminate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, ctx, time.Second, time.Second)
	p := h.rt.NewProcess("sleepy", "", nil, nil)
	require.NoError(t, p.Start(ctx))

	err := p.Join(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrJoinTimeout)

	require.NoError(t, p.Terminate(ctx))
	require.NoError(t, h.wait(t))
}

func TestProcessTerminateEscalatesToKill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, ctx, 100*time.Millisecond, 2*time.Second)
	p := h.rt.NewProcess("stubborn", "", nil, nil)
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Terminate(ctx))
	require.ErrorIs(t, p.Join(ctx, 0), ErrNotStarted)

	// The link is free again.
	next := h.rt.NewProcess("sleepy", "", nil, nil)
	_, _, _, err := h.rt.claim(next.Host)
	require.NoError(t, err)
}

func TestProcessKill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, ctx, time.Second, time.Second)
	p := h.rt.NewProcess("sleepy", "", nil, nil)
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Kill(ctx))
	require.ErrorIs(t, h.wait(t), ErrKilled)
}

func TestProcessStartErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("no hosts", func(t *testing.T) {
		rt := NewRuntime(Options{Logger: quietLogger()})
		err := rt.NewProcess("augment", "", nil, nil).Start(ctx)
		require.ErrorIs(t, err, ErrNoHosts)
	})

	t.Run("unknown host", func(t *testing.T) {
		rt := NewRuntime(Options{Logger: quietLogger()})
		a, _ := bridge.NewLoopback(protocol.NewGobCodec(), quietLogger())
		defer a.Close()
		require.NoError(t, rt.AddLink("alpha", a))
		err := rt.NewProcess("augment", "beta", nil, nil).Start(ctx)
		require.ErrorIs(t, err, ErrUnknownHost)
	})

	t.Run("duplicate host", func(t *testing.T) {
		rt := NewRuntime(Options{Logger: quietLogger()})
		a, _ := bridge.NewLoopback(protocol.NewGobCodec(), quietLogger())
		defer a.Close()
		require.NoError(t, rt.AddLink("alpha", a))
		require.ErrorIs(t, rt.AddLink("alpha", a), ErrDuplicateHost)
	})

	t.Run("busy link and double start", func(t *testing.T) {
		rt := NewRuntime(Options{Logger: quietLogger()})
		a, _ := bridge.NewLoopback(protocol.NewGobCodec(), quietLogger())
		defer a.Close()
		require.NoError(t, rt.AddLink("alpha", a))

		first := rt.NewProcess("sleepy", "", nil, nil)
		require.NoError(t, first.Start(ctx))
		require.ErrorIs(t, first.Start(ctx), ErrStarted)

		second := rt.NewProcess("sleepy", "alpha", nil, nil)
		require.ErrorIs(t, second.Start(ctx), ErrLinkBusy)
	})

	t.Run("both ends", func(t *testing.T) {
		rt := NewRuntime(Options{Logger: quietLogger()})
		a, _ := bridge.NewLoopback(protocol.NewGobCodec(), quietLogger())
		defer a.Close()
		require.NoError(t, rt.AddLink("alpha", a))

		send, recv := rt.NewChannel()
		err := rt.NewProcess("augment", "", []any{send, recv}, nil).Start(ctx)
		require.ErrorIs(t, err, ErrBothEnds)

		// The failed start released the link.
		require.NoError(t, rt.NewProcess("sleepy", "", nil, nil).Start(ctx))
	})

	t.Run("foreign channel", func(t *testing.T) {
		rt := NewRuntime(Options{Logger: quietLogger()})
		a, _ := bridge.NewLoopback(protocol.NewGobCodec(), quietLogger())
		defer a.Close()
		require.NoError(t, rt.AddLink("alpha", a))

		send, _ := channel.NewRegistry().NewChannel()
		err := rt.NewProcess("augment", "", []any{send}, nil).Start(ctx)
		require.ErrorIs(t, err, channel.ErrUnknownChannel)
	})

	t.Run("not started", func(t *testing.T) {
		rt := NewRuntime(Options{Logger: quietLogger()})
		p := rt.NewProcess("sleepy", "", nil, nil)
		require.ErrorIs(t, p.Join(ctx, 0), ErrNotStarted)
		require.ErrorIs(t, p.Terminate(ctx), ErrNotStarted)
		require.ErrorIs(t, p.Kill(ctx), ErrNotStarted)
	})
}

func TestEmptyHostPicksLastAdded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt := NewRuntime(Options{Logger: quietLogger()})
	for _, host := range []string{"alpha", "beta"} {
		a, _ := bridge.NewLoopback(protocol.NewGobCodec(), quietLogger())
		defer a.Close()
		require.NoError(t, rt.AddLink(host, a))
	}

	p := rt.NewProcess("sleepy", "", nil, nil)
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, "beta", p.Host)
	assert.Equal(t, 1, p.rank)
	assert.Equal(t, []string{"alpha", "beta"}, rt.Hosts())
}

// A worker that sends data for a channel the controller never routed makes
// Join fail.
func TestJoinReportsUnroutedChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	a, b := bridge.NewLoopback(codec, quietLogger())
	defer a.Close()

	rt := NewRuntime(Options{Codec: codec, Logger: quietLogger()})
	require.NoError(t, rt.AddLink("alpha", a))

	go func() {
		<-b.Inbound() // descriptor
		b.Outbound() <- &protocol.Envelope{ChannelID: 99, Payload: 1}
		<-b.Inbound() // join
		b.Outbound() <- &protocol.Join{Host: "alpha"}
	}()

	p := rt.NewProcess("sleepy", "", nil, nil)
	require.NoError(t, p.Start(ctx))

	err := p.Join(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, channel.ErrUnknownChannel))
}

func TestWorkerIgnoresRepeatedDescriptor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	a, b := bridge.NewLoopback(codec, quietLogger())
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, b, WorkerConfig{Host: "alpha", Targets: testTargets(nil), Codec: codec, Logger: quietLogger()})
	}()

	desc := &protocol.ProcessDescriptor{Target: "augment", Host: "alpha", Kwargs: map[string]any{"count": 0},
		Args: []any{protocol.RecvRef{ID: 1}, protocol.SendRef{ID: 2}}}
	a.Outbound() <- desc
	a.Outbound() <- desc
	a.Outbound() <- &protocol.Join{Host: "alpha"}

	select {
	case blob := <-a.Inbound():
		msg, err := codec.DecodeFromBytes(blob)
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgJoin, msg.Type())
	case <-ctx.Done():
		t.Fatal("no join echo")
	}
	require.NoError(t, <-done)
}

func TestWorkerKilledBeforeDescriptor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	a, b := bridge.NewLoopback(codec, quietLogger())
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, b, WorkerConfig{Host: "alpha", Codec: codec, Logger: quietLogger()})
	}()

	a.Outbound() <- &protocol.Kill{Host: "alpha"}
	require.ErrorIs(t, <-done, ErrKilled)
}

// One channel end passed in several places is shipped once and shared by
// every argument on the worker.
func TestProcessRepeatedEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, ctx, time.Second, time.Second)
	toSend, toRecv := h.rt.NewChannel()
	fromSend, fromRecv := h.rt.NewChannel()

	p := h.rt.NewProcess("augment", "alpha", []any{toRecv, fromSend},
		map[string]any{"count": 1, "alsoIn": toRecv, "alsoOut": fromSend})
	require.NoError(t, p.Start(ctx))

	require.NoError(t, toSend.Send(ctx, 41))
	v, err := fromRecv.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.NoError(t, p.Join(ctx, time.Second))
	require.NoError(t, h.wait(t))
}

func TestPlaceholdersReuseRepeatedEnd(t *testing.T) {
	registry := channel.NewRegistry()
	send, recv := registry.NewChannel()
	ph := &placeholders{
		registry: registry,
		routes:   bridge.NewRoutes(),
		drains:   make(map[protocol.ChannelID]*channel.ReceiveEnd),
	}

	first, err := ph.swap(recv)
	require.NoError(t, err)
	again, err := ph.swap(recv)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, ph.drains, 1)

	_, err = ph.swap(send)
	require.ErrorIs(t, err, ErrBothEnds)
}

func TestWorkerSharesRepeatedRef(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	a, b := bridge.NewLoopback(codec, quietLogger())
	defer a.Close()

	shared := make(chan bool, 1)
	targets := NewTargets()
	targets.Register("alias", func(_ context.Context, args []any, kwargs map[string]any) error {
		in, err := RecvEndArg(args, 0)
		if err != nil {
			return err
		}
		shared <- kwargs["again"] == any(in)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, b, WorkerConfig{Host: "alpha", Targets: targets, Codec: codec, Logger: quietLogger()})
	}()

	a.Outbound() <- &protocol.ProcessDescriptor{Target: "alias", Host: "alpha",
		Args: []any{protocol.RecvRef{ID: 1}}, Kwargs: map[string]any{"again": protocol.RecvRef{ID: 1}}}

	select {
	case ok := <-shared:
		assert.True(t, ok)
	case <-ctx.Done():
		t.Fatal("target did not run")
	}
	a.Outbound() <- &protocol.Join{Host: "alpha"}

	select {
	case blob := <-a.Inbound():
		msg, err := codec.DecodeFromBytes(blob)
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgJoin, msg.Type())
	case <-ctx.Done():
		t.Fatal("no join echo")
	}
	require.NoError(t, <-done)
}

// Output that fits the channel buffer lets Join finish before the caller
// reads any of it.
func TestJoinWithUnreadOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 100
	codec := protocol.NewGobCodec()
	a, b := bridge.NewLoopback(codec, quietLogger())
	defer a.Close()

	rt := NewRuntime(Options{Codec: codec, Logger: quietLogger(), Buffer: 2 * n})
	require.NoError(t, rt.AddLink("alpha", a))

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, b, WorkerConfig{Host: "alpha", Targets: testTargets(nil), Codec: codec, Logger: quietLogger()})
	}()

	toSend, toRecv := rt.NewChannel()
	fromSend, fromRecv := rt.NewChannel()
	p := rt.NewProcess("augment", "alpha", []any{toRecv, fromSend}, map[string]any{"count": n})
	require.NoError(t, p.Start(ctx))

	for i := 0; i < n; i++ {
		require.NoError(t, toSend.Send(ctx, i))
	}
	require.NoError(t, p.Join(ctx, 5*time.Second))

	for i := 0; i < n; i++ {
		v, err := fromRecv.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, v)
	}
	require.NoError(t, <-done)
}
