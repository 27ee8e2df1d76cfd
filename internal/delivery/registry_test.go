// internal/delivery/registry_test.go
package delivery

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotKey types.ConversationKey
	var gotReply *types.Reply
	reg.Register("test:", func(ctx context.Context, key types.ConversationKey, reply *types.Reply) error {
		gotKey, gotReply = key, reply
		return nil
	})

	reply := &types.Reply{Outcome: taskapi.StateCompleted, Text: "done"}
	if err := reg.Deliver(context.Background(), "test:123", reply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "test:123" {
		t.Errorf("expected key %q, got %q", "test:123", gotKey)
	}
	if gotReply != reply {
		t.Errorf("expected reply passed through, got %+v", gotReply)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Deliver(context.Background(), "unknown:123", &types.Reply{}); err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()

	var called []string
	handler := func(name string) Handler {
		return func(ctx context.Context, key types.ConversationKey, reply *types.Reply) error {
			called = append(called, name)
			return nil
		}
	}
	reg.Register("telegram:", handler("telegram"))
	reg.Register("telegram:ops:", handler("ops"))
	reg.Register("log:", handler("log"))

	for _, key := range []types.ConversationKey{"telegram:1", "telegram:ops:2", "log:daily"} {
		if err := reg.Deliver(context.Background(), key, &types.Reply{}); err != nil {
			t.Fatal(err)
		}
	}
	if want := []string{"telegram", "ops", "log"}; !reflect.DeepEqual(called, want) {
		t.Errorf("expected %v, got %v", want, called)
	}
	if want := []string{"log:", "telegram:", "telegram:ops:"}; !reflect.DeepEqual(reg.Prefixes(), want) {
		t.Errorf("expected prefixes %v, got %v", want, reg.Prefixes())
	}
}

func TestRegistryHandlerError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("send failed")
	reg.Register("x:", func(ctx context.Context, key types.ConversationKey, reply *types.Reply) error {
		return boom
	})
	if err := reg.Deliver(context.Background(), "x:1", &types.Reply{}); !errors.Is(err, boom) {
		t.Errorf("expected handler error, got %v", err)
	}
}
