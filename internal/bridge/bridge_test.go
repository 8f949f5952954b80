package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func encodeAll(t *testing.T, codec protocol.Codec, msgs ...protocol.Message) chan []byte {
	t.Helper()
	ch := make(chan []byte, len(msgs))
	for _, msg := range msgs {
		blob, err := codec.EncodeToBytes(msg)
		require.NoError(t, err)
		ch <- blob
	}
	return ch
}

func recvN(t *testing.T, ctx context.Context, end *channel.ReceiveEnd, n int) []any {
	t.Helper()
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := end.Recv(ctx)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestInjectorRoutesByChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	reg := channel.NewRegistry()
	sendA, recvA := reg.NewChannel()
	sendB, recvB := reg.NewChannel()

	routes := NewRoutes()
	routes.Add(sendA)
	routes.Add(sendB)

	inbound := encodeAll(t, codec,
		&protocol.Envelope{ChannelID: sendA.ID(), Payload: "x"},
		&protocol.Envelope{ChannelID: sendB.ID(), Payload: "y"},
		&protocol.Envelope{ChannelID: sendA.ID(), Payload: "z"},
	)

	inj := &Injector{Codec: codec, Inbound: inbound, Routes: routes, Logger: quietLogger()}
	task := Go(ctx, "injector", inj.Run)
	defer task.Stop()

	require.Equal(t, []any{"x", "z"}, recvN(t, ctx, recvA, 2))
	require.Equal(t, []any{"y"}, recvN(t, ctx, recvB, 1))
}

func TestInjectorForwardsSignals(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	signals := make(chan protocol.Signal, 1)
	inbound := encodeAll(t, codec, &protocol.Join{Host: "cc-1", Timeout: time.Second})

	inj := &Injector{Codec: codec, Inbound: inbound, Routes: NewRoutes(), Signals: signals, Logger: quietLogger()}
	task := Go(ctx, "injector", inj.Run)
	defer task.Stop()

	select {
	case sig := <-signals:
		require.Equal(t, protocol.Join{Host: "cc-1", Timeout: time.Second}, sig)
	case <-ctx.Done():
		t.Fatal("Timed out waiting for signal")
	}
}

func TestInjectorSurvivesBadMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	reg := channel.NewRegistry()
	send, recv := reg.NewChannel()
	routes := NewRoutes()
	routes.Add(send)

	var mu sync.Mutex
	var lookupErrs []error

	inbound := make(chan []byte, 4)
	inbound <- []byte("garbage")
	encoded := encodeAll(t, codec,
		&protocol.Envelope{ChannelID: 999, Payload: "lost"},
		&protocol.Kill{Host: "h"},
		&protocol.Envelope{ChannelID: send.ID(), Payload: "kept"},
	)
	for i := 0; i < 3; i++ {
		inbound <- <-encoded
	}
	close(inbound)

	inj := &Injector{
		Codec:   codec,
		Inbound: inbound,
		Routes:  routes,
		OnError: func(err error) {
			mu.Lock()
			lookupErrs = append(lookupErrs, err)
			mu.Unlock()
		},
		Logger: quietLogger(),
	}

	require.NoError(t, inj.Run(ctx))
	require.Equal(t, []any{"kept"}, recvN(t, ctx, recv, 1))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lookupErrs, 1)
	var lookupErr *channel.LookupError
	require.True(t, errors.As(lookupErrs[0], &lookupErr))
	require.Equal(t, protocol.ChannelID(999), lookupErr.ID)
}

func TestInjectorStops(t *testing.T) {
	inj := &Injector{
		Codec:   protocol.NewGobCodec(),
		Inbound: make(chan []byte),
		Routes:  NewRoutes(),
		Logger:  quietLogger(),
	}
	task := Go(context.Background(), "injector", inj.Run)
	task.Stop()

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Injector did not stop")
	}
	require.NoError(t, task.Wait())
}

func TestExtractorWrapsValues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := channel.NewRegistry()
	send, recv := reg.NewChannel()
	outbound := make(chan protocol.Message, 8)

	ex := &Extractor{ID: recv.ID(), Source: recv, Outbound: outbound}
	task := Go(ctx, "extractor", ex.Run)

	for i := 0; i < 3; i++ {
		require.NoError(t, send.Send(ctx, i))
	}
	require.NoError(t, send.Close())
	require.NoError(t, task.Wait())

	require.Len(t, outbound, 3)
	for i := 0; i < 3; i++ {
		msg := <-outbound
		env, ok := msg.(*protocol.Envelope)
		require.True(t, ok)
		require.Equal(t, recv.ID(), env.ChannelID)
		require.Equal(t, i, env.Payload)
	}
}

// Several channels share one loopback link. Each receive end on the far side
// must see only its own values, in order.
func TestMultiplexOverLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	codec := protocol.NewGobCodec()
	near, far := NewLoopback(codec, quietLogger())
	defer func() { _ = near.Close() }()

	const k, perChannel = 5, 200

	nearReg := channel.NewRegistry()
	farReg := channel.NewRegistryWithBuffer(perChannel)
	farRoutes := NewRoutes()

	var sends []*channel.SendEnd
	var farRecvs []*channel.ReceiveEnd
	var tasks []*Task

	for i := 0; i < k; i++ {
		send, recv := nearReg.NewChannel()
		sends = append(sends, send)

		ex := &Extractor{ID: recv.ID(), Source: recv, Outbound: near.Outbound()}
		tasks = append(tasks, Go(ctx, fmt.Sprintf("extractor-%d", i), ex.Run))

		farSend, farRecv, err := farReg.Bind(recv.ID())
		require.NoError(t, err)
		farRoutes.Add(farSend)
		farRecvs = append(farRecvs, farRecv)
	}

	inj := &Injector{Codec: codec, Inbound: far.Inbound(), Routes: farRoutes, Logger: quietLogger()}
	tasks = append(tasks, Go(ctx, "injector", inj.Run))
	defer func() { _ = StopAll(tasks...) }()

	var wg sync.WaitGroup
	for i, send := range sends {
		wg.Add(1)
		go func(i int, send *channel.SendEnd) {
			defer wg.Done()
			for j := 0; j < perChannel; j++ {
				_ = send.Send(ctx, fmt.Sprintf("%d:%d", i, j))
			}
		}(i, send)
	}

	for i, recv := range farRecvs {
		got := recvN(t, ctx, recv, perChannel)
		for j, v := range got {
			require.Equal(t, fmt.Sprintf("%d:%d", i, j), v)
		}
	}
	wg.Wait()
}

func TestStopAllReportsFirstError(t *testing.T) {
	boom := errors.New("boom")
	ok := Go(context.Background(), "ok", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	bad := Go(context.Background(), "bad", func(ctx context.Context) error {
		return boom
	})

	require.ErrorIs(t, StopAll(ok, bad), boom)
}
