// Package telegram операторская консоль: команды Telegram поверх движков агента
package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandArgs представляет распарсенные аргументы команды
type CommandArgs struct {
	Command string
	VoteID  uint64
	Support bool
	User    string
	Reason  string
	Raw     []string
}

// Команды консоли
const (
	CmdStatus      = "status"
	CmdStrategies  = "strategies"
	CmdVotes       = "votes"
	CmdVote        = "vote"
	CmdPower       = "power"
	CmdPermissions = "permissions"
	CmdPause       = "pause"
	CmdResume      = "resume"
	CmdHelp        = "help"
)

// ParseCommand парсит команду и аргументы
func ParseCommand(text string) (*CommandArgs, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, fmt.Errorf("not a command")
	}

	parts := strings.Fields(text)
	if len(parts) == 0 || parts[0] == "/" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := strings.TrimPrefix(parts[0], "/")
	// в группах Telegram добавляет @botname
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := &CommandArgs{
		Command: normalizeCommand(cmd),
		Raw:     parts[1:],
	}

	switch args.Command {
	case CmdStatus, CmdStrategies, CmdVotes, CmdResume, CmdHelp, "start":
		// Команды без параметров
		if args.Command == "start" {
			args.Command = CmdHelp
		}
		return args, nil

	case CmdVote:
		// /vote <ID> <yes|no> [REASON]
		if len(parts) < 3 {
			return nil, fmt.Errorf("usage: /vote <ID> <yes|no> [reason]")
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "#"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("vote id must be a number")
		}
		args.VoteID = id
		switch normalizeAction(parts[2]) {
		case "yes":
			args.Support = true
		case "no":
			args.Support = false
		default:
			return nil, fmt.Errorf("usage: /vote <ID> <yes|no> [reason]")
		}
		args.Reason = strings.Join(parts[3:], " ")
		return args, nil

	case CmdPower, CmdPermissions:
		// /power [USER], /permissions [USER]; по умолчанию сам оператор
		if len(parts) >= 2 {
			args.User = parts[1]
		}
		return args, nil

	case CmdPause:
		// /pause <REASON>
		if len(parts) < 2 {
			return nil, fmt.Errorf("usage: /pause <reason>")
		}
		args.Reason = strings.Join(parts[1:], " ")
		return args, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

// normalizeCommand нормализует команду (поддержка русского языка)
func normalizeCommand(cmd string) string {
	cmd = strings.ToLower(strings.TrimSpace(cmd))

	// Маппинг русских команд на английские
	ruToEn := map[string]string{
		"статус":      CmdStatus,
		"стратегии":   CmdStrategies,
		"голосования": CmdVotes,
		"голос":       CmdVote,
		"сила":        CmdPower,
		"права":       CmdPermissions,
		"пауза":       CmdPause,
		"продолжить":  CmdResume,
		"помощь":      CmdHelp,
	}

	if enCmd, ok := ruToEn[cmd]; ok {
		return enCmd
	}

	return cmd
}

// normalizeAction нормализует ответ (yes/no)
func normalizeAction(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))

	actionMap := map[string]string{
		"yes":     "yes",
		"y":       "yes",
		"for":     "yes",
		"да":      "yes",
		"за":      "yes",
		"no":      "no",
		"n":       "no",
		"нет":     "no",
		"против":  "no",
		"against": "no",
	}

	if normalized, ok := actionMap[action]; ok {
		return normalized
	}

	return action
}
