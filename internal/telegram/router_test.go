package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/notify"
)

func echoHandler(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	return "ok:" + actor, nil
}

func TestRouter_HandleCommand(t *testing.T) {
	authz := access.NewAuthorizer()
	authz.Grant("1", access.CapAdmin)

	r := NewRouter(authz, nil).WithRateLimit(1000, 1000)
	r.RegisterHandler(CmdStatus, echoHandler)
	r.Register(CmdResume, access.CapAdmin, echoHandler)
	r.RegisterHandler(CmdStrategies, func(context.Context, string, *CommandArgs) (string, error) {
		return "", fmt.Errorf("%w: S1", domain.ErrUnknownStrategy)
	})
	r.RegisterHandler(CmdVotes, func(context.Context, string, *CommandArgs) (string, error) {
		return "", errors.New("boom")
	})
	ctx := context.Background()

	tests := []struct {
		name string
		user int64
		text string
		want string
	}{
		{"public", 2, "/status", "ok:2"},
		{"admin allowed", 1, "/resume", "ok:1"},
		{"admin denied", 2, "/resume", "⛔ Access denied"},
		{"parse error", 2, "/vote x yes", "❌ Error: vote id must be a number"},
		{"not registered", 2, "/power", "❌ Error: unknown command: power"},
		{"domain error", 2, "/strategies", "❌ Error (UnknownEntity): unknown entity: strategy: S1"},
		{"plain error", 2, "/votes", "❌ Error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.HandleCommand(ctx, tt.user, tt.text))
		})
	}
}

func TestRouter_RateLimit(t *testing.T) {
	r := NewRouter(access.NewAuthorizer(), notify.NewFormatter(notify.LangEN))
	r.RegisterHandler(CmdStatus, echoHandler)
	ctx := context.Background()

	assert.Equal(t, "ok:7", r.HandleCommand(ctx, 7, "/status"))
	assert.Equal(t, "ok:7", r.HandleCommand(ctx, 7, "/status"))
	assert.Contains(t, r.HandleCommand(ctx, 7, "/status"), "Too many commands")

	// лимит у каждого пользователя свой
	assert.Equal(t, "ok:8", r.HandleCommand(ctx, 8, "/status"))
}

func TestRouter_Commands(t *testing.T) {
	r := NewRouter(nil, nil)
	r.RegisterHandler(CmdStatus, echoHandler)
	r.Register(CmdPause, access.CapAdmin, echoHandler)

	assert.Equal(t, map[string]access.Capability{
		CmdStatus: "",
		CmdPause:  access.CapAdmin,
	}, r.Commands())

	// без authorizer команды с capability недоступны
	assert.Equal(t, "⛔ Access denied", r.HandleCommand(context.Background(), 1, "/pause now"))
}
