package amqpx_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/identitybus/libs/amqpx"
	"github.com/md-rashed-zaman/identitybus/libs/amqpx/amqpxtest"
	amqp "github.com/rabbitmq/amqp091-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(reconnect bool) amqpx.Config {
	return amqpx.Config{
		Host:         "rabbitmq",
		Port:         5672,
		Reconnect:    reconnect,
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
		Exchanges:    []amqpx.Exchange{{Name: "userCreated", Kind: amqp.ExchangeDirect}},
	}
}

func TestConnectDeclaresExchangesAndRunsHooks(t *testing.T) {
	broker := amqpxtest.NewBroker()
	conn := amqpx.New(testConfig(false), testLogger(), broker.Dial)

	hooked := 0
	if err := conn.OnOpen(func(ch amqpx.Channel) error {
		hooked++
		return nil
	}); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}

	if conn.State() != amqpx.Disconnected {
		t.Fatalf("expected disconnected before connect, got %s", conn.State())
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != amqpx.Open {
		t.Fatalf("expected open, got %s", conn.State())
	}
	if hooked != 1 {
		t.Fatalf("expected hook to run once, ran %d times", hooked)
	}
	if !slices.Contains(broker.Log(), "exchange.declare userCreated direct durable=false") {
		t.Fatalf("exchange not declared: %v", broker.Log())
	}

	// Connecting an open connection is a no-op.
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if broker.Dials() != 1 {
		t.Fatalf("expected a single dial, got %d", broker.Dials())
	}
}

func TestConnectFailureReturnsConnectionError(t *testing.T) {
	broker := amqpxtest.NewBroker()
	broker.FailDials(1)
	conn := amqpx.New(testConfig(false), testLogger(), broker.Dial)

	err := conn.Connect(context.Background())
	var connErr *amqpx.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Addr != "rabbitmq:5672" {
		t.Fatalf("unexpected addr %q", connErr.Addr)
	}
	if conn.State() != amqpx.Disconnected {
		t.Fatalf("expected disconnected after failure, got %s", conn.State())
	}
	if err := conn.Do(func(amqpx.Channel) error { return nil }); !errors.Is(err, amqpx.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestShutdownClosesChannelBeforeConnection(t *testing.T) {
	broker := amqpxtest.NewBroker()
	conn := amqpx.New(testConfig(false), testLogger(), broker.Dial)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := conn.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := conn.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if conn.State() != amqpx.Closed {
		t.Fatalf("expected closed, got %s", conn.State())
	}

	log := broker.Log()
	chIdx := slices.Index(log, "channel.close")
	connIdx := slices.Index(log, "connection.close")
	if chIdx < 0 || connIdx < 0 || chIdx > connIdx {
		t.Fatalf("expected channel.close before connection.close: %v", log)
	}
	if err := conn.Connect(context.Background()); !errors.Is(err, amqpx.ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestShutdownWithoutConnect(t *testing.T) {
	conn := amqpx.New(testConfig(false), testLogger(), amqpxtest.NewBroker().Dial)
	if err := conn.Shutdown(); err != nil {
		t.Fatalf("Shutdown before Connect: %v", err)
	}
}

func TestBrokerShutdownWithoutReconnectStaysDown(t *testing.T) {
	broker := amqpxtest.NewBroker()
	conn := amqpx.New(testConfig(false), testLogger(), broker.Dial)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	broker.Drop("broker restart")
	if !amqpxtest.Eventually(time.Second, func() bool { return conn.State() == amqpx.ShuttingDown }) {
		t.Fatalf("expected shutting_down, got %s", conn.State())
	}
	time.Sleep(20 * time.Millisecond)
	if broker.Dials() != 1 {
		t.Fatalf("expected no reconnect attempt, got %d dials", broker.Dials())
	}

	cancel()
	<-done
	if err := conn.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestBrokerShutdownReconnectsAndRedeclares(t *testing.T) {
	broker := amqpxtest.NewBroker()
	conn := amqpx.New(testConfig(true), testLogger(), broker.Dial)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := conn.Watch(ctx)
	go conn.Run(ctx)

	broker.FailDials(2)
	broker.Drop("connection reset")

	if !amqpxtest.Eventually(2*time.Second, func() bool { return broker.Dials() == 4 && conn.State() == amqpx.Open }) {
		t.Fatalf("expected reconnect after two failures, dials=%d state=%s", broker.Dials(), conn.State())
	}

	declares := 0
	for _, op := range broker.Log() {
		if strings.HasPrefix(op, "exchange.declare userCreated") {
			declares++
		}
	}
	if declares != 2 {
		t.Fatalf("expected exchange to be declared on each open, got %d", declares)
	}

	var seen []amqpx.State
	timeout := time.After(time.Second)
	for !slices.Contains(seen, amqpx.ShuttingDown) || seen[len(seen)-1] != amqpx.Open {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-timeout:
			t.Fatalf("state stream incomplete: %v", seen)
		}
	}

	if err := conn.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRunConnectsWhenStartupFailed(t *testing.T) {
	broker := amqpxtest.NewBroker()
	broker.FailDials(1)
	conn := amqpx.New(testConfig(true), testLogger(), broker.Dial)
	if err := conn.Connect(context.Background()); err == nil {
		t.Fatal("expected startup connect to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	if !amqpxtest.Eventually(time.Second, func() bool { return conn.State() == amqpx.Open }) {
		t.Fatalf("expected supervised connect to succeed, got %s", conn.State())
	}
	_ = conn.Shutdown()
}

func TestReadyCheck(t *testing.T) {
	conn := amqpx.New(testConfig(false), testLogger(), amqpxtest.NewBroker().Dial)
	check := amqpx.ReadyCheck(conn)
	if err := check(context.Background()); err == nil {
		t.Fatal("expected not ready before connect")
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	_ = conn.Shutdown()
}

func TestStateString(t *testing.T) {
	cases := map[amqpx.State]string{
		amqpx.Disconnected: "disconnected",
		amqpx.Connecting:   "connecting",
		amqpx.Open:         "open",
		amqpx.ShuttingDown: "shutting_down",
		amqpx.Closed:       "closed",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestDoDoesNotWaitForConnectInProgress(t *testing.T) {
	broker := amqpxtest.NewBroker()
	gate := make(chan struct{})
	slowDial := func(ctx context.Context, cfg amqpx.Config) (amqpx.Conn, error) {
		<-gate
		return broker.Dial(ctx, cfg)
	}
	conn := amqpx.New(testConfig(false), testLogger(), slowDial)

	connected := make(chan error, 1)
	go func() { connected <- conn.Connect(context.Background()) }()
	if !amqpxtest.Eventually(time.Second, func() bool { return conn.State() == amqpx.Connecting }) {
		t.Fatalf("expected connecting, got %s", conn.State())
	}

	start := time.Now()
	err := conn.Do(func(amqpx.Channel) error { return nil })
	if !errors.Is(err, amqpx.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Do blocked on the connect for %s", elapsed)
	}

	close(gate)
	if err := <-connected; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Do(func(amqpx.Channel) error { return nil }); err != nil {
		t.Fatalf("Do after connect: %v", err)
	}
	_ = conn.Shutdown()
}
