package bot

import (
	"cmp"
	"regexp"
	"strings"

	kit "smmbot/internal/transport"
	"smmbot/pkg/tgui"
)

const (
	maxCommandLen  = 32
	maxMenuEntries = 100
	maxMenuDesc    = 256
)

var (
	commandSeparators = regexp.MustCompile(`[\s_-]+`)
	commandInvalid    = regexp.MustCompile(`[^a-z0-9_]`)
	commandUnderscore = regexp.MustCompile(`_{2,}`)
)

// sanitizeTelegramCommand maps a name onto Telegram's [a-z0-9_]{1,32}
// command alphabet. Names starting with a digit get a "cmd_" prefix.
func sanitizeTelegramCommand(s string) string {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
	s = commandSeparators.ReplaceAllString(s, "_")
	s = commandInvalid.ReplaceAllString(s, "")
	s = strings.Trim(commandUnderscore.ReplaceAllString(s, "_"), "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "cmd_" + s
	}
	if len(s) > maxCommandLen {
		s = strings.TrimRight(s[:maxCommandLen], "_")
	}
	return s
}

// buildMenuCommands lists the visible commands for the client menu, marking
// admin-only ones with a lock.
func buildMenuCommands(cmds []Command) []kit.BotCommand {
	var menu []kit.BotCommand
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		desc := cmp.Or(strings.Join(strings.Fields(c.Description), " "), c.Name)
		if c.AdminOnly {
			desc = "🔒 " + desc
		}
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: tgui.TruncRunes(desc, maxMenuDesc)})
		if len(menu) == maxMenuEntries {
			break
		}
	}
	return menu
}

// helpText renders the command list in HTML. Admin-only commands are listed
// only for admins.
func helpText(cmds []Command, admin bool) string {
	b := tgui.New().Title("ℹ️", "SMM Automation Bot Help").HTML(tgui.B("Available Commands:"))
	for _, c := range cmds {
		if c.Hidden || (c.AdminOnly && !admin) {
			continue
		}
		line := "• /" + c.Name
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + d
		}
		b.Line(line)
	}
	return b.Blank().Line("You can also use the buttons below for navigation.").Build().Text
}
