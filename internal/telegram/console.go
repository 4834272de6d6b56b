package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/execution"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/notify"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/orchestrator"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/permission"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/voting"
)

// maxListItems длинные списки обрезаются
const maxListItems = 20

// Console содержит обработчики команд оператора
type Console struct {
	permissions  *permission.Manager
	votes        *voting.Engine
	executor     *execution.Engine
	orchestrator *orchestrator.Orchestrator
	formatter    *notify.Formatter
}

// NewConsole создает консоль. orchestrator может быть nil.
func NewConsole(permissions *permission.Manager, votes *voting.Engine, executor *execution.Engine, orch *orchestrator.Orchestrator, formatter *notify.Formatter) *Console {
	if formatter == nil {
		formatter = notify.NewFormatter(notify.LangEN)
	}
	return &Console{
		permissions:  permissions,
		votes:        votes,
		executor:     executor,
		orchestrator: orch,
		formatter:    formatter,
	}
}

// Register регистрирует команды консоли в роутере
func (c *Console) Register(r *Router) {
	r.RegisterHandler(CmdHelp, c.HandleHelp)
	r.RegisterHandler(CmdStatus, c.HandleStatus)
	r.RegisterHandler(CmdStrategies, c.HandleStrategies)
	r.RegisterHandler(CmdVotes, c.HandleVotes)
	r.RegisterHandler(CmdVote, c.HandleVote)
	r.RegisterHandler(CmdPower, c.HandlePower)
	r.RegisterHandler(CmdPermissions, c.HandlePermissions)
	r.Register(CmdPause, access.CapAdmin, c.HandlePause)
	r.Register(CmdResume, access.CapAdmin, c.HandleResume)
}

// HandleHelp обрабатывает команду /help
func (c *Console) HandleHelp(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📖 %s\n\n", c.formatter.T("help")))
	sb.WriteString("/status\n")
	sb.WriteString("/strategies\n")
	sb.WriteString("/votes\n")
	sb.WriteString("/vote <ID> <yes|no> [reason]\n")
	sb.WriteString("/power [user]\n")
	sb.WriteString("/permissions [user]\n")
	sb.WriteString("/pause <reason>\n")
	sb.WriteString("/resume")
	return sb.String(), nil
}

// HandleStatus обрабатывает команду /status
func (c *Console) HandleStatus(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 %s\n\n", c.formatter.T("status")))

	pause := c.executor.PauseStatus()
	if pause.Active {
		sb.WriteString(fmt.Sprintf("%s: 🛑 %s (%s, %s)\n", c.formatter.T("execution"), c.formatter.T("paused"), pause.ActivatedBy, pause.Reason))
	} else {
		sb.WriteString(fmt.Sprintf("%s: ✅ %s\n", c.formatter.T("execution"), c.formatter.T("running")))
	}
	sb.WriteString(fmt.Sprintf("%s: %s\n", c.formatter.T("voting"), c.state(c.votes.IsPaused())))

	if c.orchestrator != nil {
		sb.WriteString(fmt.Sprintf("%s: %s\n", c.formatter.T("mode"), c.orchestrator.GetMode()))
	}
	sb.WriteString(fmt.Sprintf("%s: %d\n", c.formatter.T("strategies"), len(c.executor.GetStrategies())))
	sb.WriteString(fmt.Sprintf("%s: %d", c.formatter.T("active_votes"), len(c.votes.GetActiveVotes())))
	return sb.String(), nil
}

// HandleStrategies обрабатывает команду /strategies
func (c *Console) HandleStrategies(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	strategies := c.executor.GetStrategies()
	sort.Slice(strategies, func(i, j int) bool { return strategies[i].ID < strategies[j].ID })

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("⚙️ %s\n", c.formatter.T("strategies")))
	if len(strategies) == 0 {
		sb.WriteString(c.formatter.T("empty"))
		return sb.String(), nil
	}
	for i, s := range strategies {
		if i == maxListItems {
			sb.WriteString(fmt.Sprintf("\n… +%d", len(strategies)-maxListItems))
			break
		}
		mark := "✅"
		if !s.Active {
			mark = "⏸"
		}
		sb.WriteString(fmt.Sprintf("\n%s %s [%s] slippage≤%dbps cooldown=%s", mark, s.ID, s.Handler, s.MaxSlippageBps, s.Cooldown))
	}
	return sb.String(), nil
}

// HandleVotes обрабатывает команду /votes
func (c *Console) HandleVotes(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	votes := c.votes.GetActiveVotes()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🗳 %s\n", c.formatter.T("active_votes")))
	if len(votes) == 0 {
		sb.WriteString(c.formatter.T("empty"))
		return sb.String(), nil
	}
	for i, v := range votes {
		if i == maxListItems {
			sb.WriteString(fmt.Sprintf("\n… +%d", len(votes)-maxListItems))
			break
		}
		sb.WriteString(fmt.Sprintf("\n#%d %s: %s (deadline %s)", v.ID, v.ActionType, v.Description, v.Deadline.UTC().Format("2006-01-02 15:04")))
		if res, err := c.votes.GetVoteResult(v.ID); err == nil {
			sb.WriteString(fmt.Sprintf(" yes=%d no=%d", res.ForVotes, res.AgainstVotes))
		}
	}
	return sb.String(), nil
}

// HandleVote обрабатывает команду /vote; голосует сам оператор
func (c *Console) HandleVote(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	if err := c.votes.CastVote(ctx, actor, args.VoteID, args.Support, args.Reason); err != nil {
		return "", err
	}

	side := "yes"
	if !args.Support {
		side = "no"
	}
	return fmt.Sprintf("%s: #%d %s (%s=%d)", c.formatter.T("vote_cast"), args.VoteID, side, c.formatter.T("voting_power"), c.votes.GetVotingPower(actor)), nil
}

// HandlePower обрабатывает команду /power
func (c *Console) HandlePower(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	user := args.User
	if user == "" {
		user = actor
	}
	return fmt.Sprintf("⚖️ %s %s: %d / %d", c.formatter.T("voting_power"), user, c.votes.GetVotingPower(user), c.votes.TotalPower()), nil
}

// HandlePermissions обрабатывает команду /permissions
func (c *Console) HandlePermissions(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	user := args.User
	if user == "" {
		user = actor
	}
	perms := c.permissions.GetUserPermissions(user)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔐 %s %s\n", c.formatter.T("permissions"), user))
	if len(perms) == 0 {
		sb.WriteString(c.formatter.T("empty"))
		return sb.String(), nil
	}
	for i, p := range perms {
		if i == maxListItems {
			sb.WriteString(fmt.Sprintf("\n… +%d", len(perms)-maxListItems))
			break
		}
		mark := "✅"
		if !p.Active {
			mark = "❌"
		}
		line := fmt.Sprintf("\n%s %s max=%s", mark, p.Action, p.MaxAmount.String())
		if p.RequiresVoting {
			line += " 🗳"
		}
		if len(p.Tokens) > 0 {
			line += " " + strings.Join(p.Tokens, ",")
		}
		sb.WriteString(line)
	}
	return sb.String(), nil
}

// HandlePause обрабатывает команду /pause: останавливает исполнение
func (c *Console) HandlePause(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	if err := c.executor.EmergencyPause(ctx, actor, args.Reason); err != nil {
		return "", err
	}
	return fmt.Sprintf("🛑 %s: %s", c.formatter.T("execution"), c.formatter.T("paused")), nil
}

// HandleResume обрабатывает команду /resume
func (c *Console) HandleResume(ctx context.Context, actor string, args *CommandArgs) (string, error) {
	if err := c.executor.ResumeExecutions(ctx, actor); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ %s: %s", c.formatter.T("execution"), c.formatter.T("running")), nil
}

func (c *Console) state(paused bool) string {
	if paused {
		return "🛑 " + c.formatter.T("paused")
	}
	return "✅ " + c.formatter.T("running")
}
