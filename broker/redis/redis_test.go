package redis

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/replybus/replybus-go/broker"
	"github.com/replybus/replybus-go/broker/brokertest"
)

func TestRedisSession(t *testing.T) {
	// Skip if Redis is not available.
	probe := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	probe.Close()

	factory := func(t *testing.T) (broker.Session, broker.Session) {
		// Isolate each test run with a unique channel prefix.
		prefix := fmt.Sprintf("replybus:test:%s:", uuid.NewString())
		a := dialSession(t, prefix)
		b := dialSession(t, prefix)
		return a, b
	}

	brokertest.RunSessionTests(t, factory)
}

func dialSession(t *testing.T, prefix string) broker.Session {
	t.Helper()
	d := &Dialer{Config: Config{
		Addr:          "localhost:6379",
		ChannelPrefix: prefix,
	}}
	sess, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}
