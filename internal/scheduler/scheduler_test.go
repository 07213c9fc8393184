package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/gudax/autobot/internal/eventbus"
	"github.com/gudax/autobot/internal/fanout"
	"github.com/gudax/autobot/internal/model"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/sessionpool"
	"github.com/gudax/autobot/internal/supervisor"
	"github.com/gudax/autobot/internal/upstream"
	"github.com/gudax/autobot/internal/vault"
)

type capturingSub struct {
	id  string
	got chan eventbus.Message
}

func newCapturingSub(id string) *capturingSub {
	return &capturingSub{id: id, got: make(chan eventbus.Message, 16)}
}

func (c *capturingSub) ID() string           { return c.id }
func (c *capturingSub) State() eventbus.State { return eventbus.StateConnected }
func (c *capturingSub) Send(msg eventbus.Message, deadline time.Time) error {
	c.got <- msg
	return nil
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *eventbus.Bus) {
	t.Helper()
	key, _ := vault.GenerateKey()
	v, _ := vault.New(key)
	repo := repository.NewFake()
	client := upstream.NewFake()
	pool := sessionpool.New(repo, client, v, 0, nil)
	bus := eventbus.New(nil)
	engine := fanout.New(pool, repo, client, bus, nil)
	sup := supervisor.New(pool, repo, client, engine, supervisor.DefaultPolicy, nil)

	enc, _ := v.Encrypt("pw")
	repo.PutUser(model.User{UID: 1, Active: true, EncryptedPassword: enc})
	pool.LoginOne(context.Background(), 1)

	return New(pool, sup, bus, cfg, nil), bus
}

func TestHeartbeatTickPublishesToAll(t *testing.T) {
	sched, bus := newTestScheduler(t, Config{})
	sub := newCapturingSub("s1")
	bus.Subscribe(eventbus.ChannelAll, sub)

	sched.heartbeatTick(context.Background())

	select {
	case msg := <-sub.got:
		if msg.Type != "heartbeat" {
			t.Fatalf("expected heartbeat message, got %+v", msg)
		}
	default:
		t.Fatal("expected heartbeat delivered")
	}
}

func TestSweepTickPublishesSessionUpdate(t *testing.T) {
	sched, bus := newTestScheduler(t, Config{})
	sub := newCapturingSub("s1")
	bus.Subscribe(eventbus.ChannelSessions, sub)

	sched.sweepTick(context.Background())

	select {
	case msg := <-sub.got:
		if msg.Type != "session_update" {
			t.Fatalf("expected session_update, got %+v", msg)
		}
	default:
		t.Fatal("expected session_update delivered")
	}
}

func TestSupervisorTickPublishesPositionsCount(t *testing.T) {
	sched, bus := newTestScheduler(t, Config{})
	sub := newCapturingSub("s1")
	bus.Subscribe(eventbus.ChannelPositions, sub)

	sched.supervisorTick(context.Background())

	select {
	case msg := <-sub.got:
		if msg.Type != "positions_count" {
			t.Fatalf("expected positions_count, got %+v", msg)
		}
	default:
		t.Fatal("expected positions_count delivered")
	}
}

func TestStartStopDrainsCleanly(t *testing.T) {
	sched, _ := newTestScheduler(t, Config{
		RefreshInterval:    20 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
		SupervisorInterval: 20 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	})
	sched.Start()
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
