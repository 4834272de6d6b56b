package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// Capability право на класс операций
type Capability string

const (
	CapAdmin           Capability = "admin"
	CapStrategyManager Capability = "strategy_manager"
	CapExecutor        Capability = "executor"
	CapRuleManager     Capability = "rule_manager"
	CapEscalator       Capability = "escalator"
)

// Authorizer сопоставляет идентификатор вызывающего с набором capabilities
type Authorizer struct {
	mu     sync.RWMutex
	grants map[string]map[Capability]bool
}

// NewAuthorizer создает пустой authorizer
func NewAuthorizer() *Authorizer {
	return &Authorizer{
		grants: make(map[string]map[Capability]bool),
	}
}

// RoleIDs списки идентификаторов по ролям (из конфигурации, через запятую)
type RoleIDs struct {
	Admins           string
	Executors        string
	StrategyManagers string
	RuleManagers     string
}

// NewAuthorizerFromRoles создает authorizer из строк конфигурации
func NewAuthorizerFromRoles(roles RoleIDs) *Authorizer {
	a := NewAuthorizer()
	for c, list := range map[Capability]string{
		CapAdmin:           roles.Admins,
		CapExecutor:        roles.Executors,
		CapStrategyManager: roles.StrategyManagers,
		CapRuleManager:     roles.RuleManagers,
	} {
		for _, id := range parseIDs(list) {
			a.Grant(id, c)
		}
	}
	return a
}

func parseIDs(list string) []string {
	if list == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Grant выдает capability
func (a *Authorizer) Grant(actor string, caps ...Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.grants[actor]
	if !ok {
		set = make(map[Capability]bool)
		a.grants[actor] = set
	}
	for _, c := range caps {
		set[c] = true
	}
}

// Revoke отзывает capability
func (a *Authorizer) Revoke(actor string, c Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if set, ok := a.grants[actor]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(a.grants, actor)
		}
	}
}

// Has проверяет capability. admin подразумевает все остальные.
func (a *Authorizer) Has(actor string, c Capability) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	set, ok := a.grants[actor]
	if !ok {
		return false
	}
	return set[c] || set[CapAdmin]
}

// Require возвращает ErrNotAuthorized если capability нет
func (a *Authorizer) Require(actor string, c Capability) error {
	if actor == "" {
		return fmt.Errorf("%w: empty actor", domain.ErrNotAuthorized)
	}
	if !a.Has(actor, c) {
		return fmt.Errorf("%w: %s lacks %s", domain.ErrNotAuthorized, actor, c)
	}
	return nil
}

// Capabilities возвращает отсортированный список capabilities актора
func (a *Authorizer) Capabilities(actor string) []Capability {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var caps []Capability
	for c := range a.grants[actor] {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}
