package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/notify"
)

// CommandHandler представляет обработчик команды. actor - ID пользователя Telegram.
type CommandHandler func(ctx context.Context, actor string, args *CommandArgs) (string, error)

type route struct {
	handler CommandHandler
	// capability, нужная для команды; пустая - доступно всем
	capability access.Capability
}

// Router маршрутизирует команды к обработчикам
type Router struct {
	mu        sync.Mutex
	routes    map[string]route
	limiters  map[int64]*rate.Limiter
	authz     *access.Authorizer
	formatter *notify.Formatter
	rps       rate.Limit
	burst     int
}

// NewRouter создает новый роутер; не более 2 команд в секунду на пользователя
func NewRouter(authz *access.Authorizer, formatter *notify.Formatter) *Router {
	if formatter == nil {
		formatter = notify.NewFormatter(notify.LangEN)
	}
	return &Router{
		routes:    make(map[string]route),
		limiters:  make(map[int64]*rate.Limiter),
		authz:     authz,
		formatter: formatter,
		rps:       2,
		burst:     2,
	}
}

// WithRateLimit меняет лимит команд на пользователя
func (r *Router) WithRateLimit(perSecond float64, burst int) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rps = rate.Limit(perSecond)
	r.burst = burst
	r.limiters = make(map[int64]*rate.Limiter)
	return r
}

// RegisterHandler регистрирует обработчик, доступный всем
func (r *Router) RegisterHandler(command string, handler CommandHandler) {
	r.Register(command, "", handler)
}

// Register регистрирует обработчик с требованием capability
func (r *Router) Register(command string, capability access.Capability, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[command] = route{handler: handler, capability: capability}
}

// Commands зарегистрированные команды
func (r *Router) Commands() map[string]access.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]access.Capability, len(r.routes))
	for cmd, rt := range r.routes {
		out[cmd] = rt.capability
	}
	return out
}

// HandleCommand обрабатывает команду и возвращает ответ пользователю
func (r *Router) HandleCommand(ctx context.Context, userID int64, text string) string {
	// Проверяем rate limit
	if !r.limiter(userID).Allow() {
		return r.formatter.T("rate_limited")
	}

	// Парсим команду
	args, err := ParseCommand(text)
	if err != nil {
		return r.FormatError(err)
	}

	r.mu.Lock()
	rt, exists := r.routes[args.Command]
	r.mu.Unlock()
	if !exists {
		return r.FormatError(fmt.Errorf("unknown command: %s", args.Command))
	}

	actor := strconv.FormatInt(userID, 10)

	// Проверяем права
	if rt.capability != "" {
		if r.authz == nil || !r.authz.Has(actor, rt.capability) {
			return r.formatter.T("access_denied")
		}
	}

	response, err := rt.handler(ctx, actor, args)
	if err != nil {
		return r.FormatError(err)
	}
	return response
}

// FormatError сообщение об ошибке; доменные ошибки с категорией
func (r *Router) FormatError(err error) string {
	if errors.Is(err, domain.ErrNotAuthorized) {
		return r.formatter.T("access_denied")
	}
	if category := domain.Category(err); category != "Internal" {
		return fmt.Sprintf("❌ %s (%s): %v", r.formatter.T("error"), category, err)
	}
	return fmt.Sprintf("❌ %s: %v", r.formatter.T("error"), err)
}

func (r *Router) limiter(userID int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[userID] = l
	}
	return l
}
