package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// Lang представляет язык
type Lang string

const (
	LangEN Lang = "en"
	LangRU Lang = "ru"
)

// ParseLang разбирает язык; неизвестный - английский
func ParseLang(s string) Lang {
	if Lang(strings.ToLower(strings.TrimSpace(s))) == LangRU {
		return LangRU
	}
	return LangEN
}

var translations = map[string]map[Lang]string{
	domain.AuditEmergencyPause:   {LangEN: "Emergency pause", LangRU: "Аварийная пауза"},
	domain.AuditResume:           {LangEN: "Resumed", LangRU: "Работа возобновлена"},
	domain.AuditSlippageExceeded: {LangEN: "Slippage exceeded", LangRU: "Превышен slippage"},
	domain.AuditAutoRevoke:       {LangEN: "Permission auto-revoked", LangRU: "Разрешение отозвано автоматически"},
	domain.AuditResolve:          {LangEN: "Vote resolved", LangRU: "Голосование завершено"},
	domain.AuditEscalated:        {LangEN: "Escalated to vote", LangRU: "Вынесено на голосование"},
	domain.AuditDropped:          {LangEN: "Recommendation dropped", LangRU: "Рекомендация отброшена"},
	"actor":                      {LangEN: "Actor", LangRU: "Инициатор"},
	"entity":                     {LangEN: "Entity", LangRU: "Объект"},
	"change":                     {LangEN: "Change", LangRU: "Изменение"},
	"time":                       {LangEN: "Time", LangRU: "Время"},
	"error":                      {LangEN: "Error", LangRU: "Ошибка"},
	"access_denied":              {LangEN: "⛔ Access denied", LangRU: "⛔ Доступ запрещен"},
	"rate_limited":               {LangEN: "⏳ Too many commands, slow down", LangRU: "⏳ Слишком много команд, подождите"},
	"status":                     {LangEN: "Status", LangRU: "Статус"},
	"execution":                  {LangEN: "Execution", LangRU: "Исполнение"},
	"voting":                     {LangEN: "Voting", LangRU: "Голосование"},
	"paused":                     {LangEN: "paused", LangRU: "на паузе"},
	"running":                    {LangEN: "running", LangRU: "работает"},
	"mode":                       {LangEN: "Mode", LangRU: "Режим"},
	"strategies":                 {LangEN: "Strategies", LangRU: "Стратегии"},
	"active_votes":               {LangEN: "Active votes", LangRU: "Активные голосования"},
	"permissions":                {LangEN: "Permissions", LangRU: "Разрешения"},
	"voting_power":               {LangEN: "Voting power", LangRU: "Сила голоса"},
	"empty":                      {LangEN: "none", LangRU: "нет"},
	"vote_cast":                  {LangEN: "✅ Vote cast", LangRU: "✅ Голос учтен"},
	"help":                       {LangEN: "Commands", LangRU: "Команды"},
}

// Formatter форматирует audit события для оператора
type Formatter struct {
	lang Lang
}

// NewFormatter создает новый форматтер
func NewFormatter(lang Lang) *Formatter {
	if lang != LangRU && lang != LangEN {
		lang = LangEN
	}
	return &Formatter{lang: lang}
}

// GetLang возвращает текущий язык
func (f *Formatter) GetLang() Lang {
	return f.lang
}

// T переводит строку
func (f *Formatter) T(key string) string {
	if trans, ok := translations[key]; ok {
		if val, ok := trans[f.lang]; ok {
			return val
		}
	}
	return key
}

// FormatEvent сообщение об audit событии
func (f *Formatter) FormatEvent(e domain.AuditEvent) string {
	var sb strings.Builder

	sb.WriteString(icon(e.Action))
	sb.WriteString(" ")
	sb.WriteString(f.T(e.Action))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("%s: %s\n", f.T("entity"), entity(e)))
	sb.WriteString(fmt.Sprintf("%s: %s\n", f.T("actor"), e.ActorID))
	if e.Field != "" {
		sb.WriteString(fmt.Sprintf("%s: %s %s -> %s\n", f.T("change"), e.Field, orDash(e.OldValue), orDash(e.NewValue)))
	}
	sb.WriteString(fmt.Sprintf("%s: %s", f.T("time"), e.Timestamp.UTC().Format(time.RFC3339)))
	return sb.String()
}

func entity(e domain.AuditEvent) string {
	if e.EntityID == "" {
		return e.EntityType
	}
	return e.EntityType + "/" + e.EntityID
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func icon(action string) string {
	switch action {
	case domain.AuditEmergencyPause:
		return "🛑"
	case domain.AuditResume:
		return "✅"
	case domain.AuditSlippageExceeded, domain.AuditAutoRevoke:
		return "⚠️"
	case domain.AuditResolve, domain.AuditEscalated:
		return "🗳"
	default:
		return "ℹ️"
	}
}

// splitMessage разбивает длинное сообщение на части
func splitMessage(text string, maxLength int) []string {
	if len(text) <= maxLength {
		return []string{text}
	}

	var parts []string
	lines := strings.Split(text, "\n")
	var current strings.Builder
	for _, line := range lines {
		for len(line) > maxLength {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			parts = append(parts, line[:maxLength])
			line = line[maxLength:]
		}
		if current.Len() > 0 && current.Len()+len(line)+1 > maxLength {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
