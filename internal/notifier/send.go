package notifier

import (
	"context"

	"smmbot/internal/domain"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

// Send queues an HTML message for an engine user with optional controls laid
// out two per row. It reports whether the message was accepted; delivery
// itself is asynchronous.
func (s *Service) Send(userID, text string, controls []Control) bool {
	chatID, ok := s.resolve(userID)
	if !ok {
		s.log.Debug("notification skipped, no chat", logx.UserID(userID))
		return false
	}
	msg := tgui.New().HTML(tgui.H(text)).Inline(keyboard(controls)).Build()
	err := s.Notify(context.Background(), kit.Notification{
		Target:  kit.ChatTarget{ChatID: chatID},
		Text:    msg.Text,
		Options: msg.Opt,
	})
	if err != nil {
		s.log.Warn("notification not queued", logx.UserID(userID), logx.Err(err))
		return false
	}
	return true
}

// Admin queues an HTML message for the operator chat.
func (s *Service) Admin(text string) bool {
	return s.Send(domain.AdminUserID, text, nil)
}

// SendAdmin queues plain text for the operator. It backs the error-level log
// sink, so the text is escaped.
func (s *Service) SendAdmin(ctx context.Context, text string) error {
	chatID, ok := s.resolve(domain.AdminUserID)
	if !ok {
		return ErrNoChat
	}
	return s.Notify(ctx, kit.Notification{
		Target:  kit.ChatTarget{ChatID: chatID},
		Text:    tgui.Esc(text).String(),
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	})
}

func (s *Service) resolve(userID string) (int64, bool) {
	s.mu.Lock()
	dir, admin := s.dir, s.adminChat
	s.mu.Unlock()
	if userID == domain.AdminUserID {
		return admin, admin != 0
	}
	if dir == nil {
		return 0, false
	}
	id, ok := dir.ChatID(userID)
	return id, ok && id != 0
}

func keyboard(controls []Control) *tgui.Inline {
	if len(controls) == 0 {
		return nil
	}
	kb := tgui.NewInline()
	for i := 0; i < len(controls); i += 2 {
		row := []Control{controls[i]}
		if i+1 < len(controls) {
			row = append(row, controls[i+1])
		}
		btns := make([]tgui.Button, 0, len(row))
		for _, c := range row {
			btns = append(btns, tgui.Btn(c.Label, c.Data))
		}
		kb.Row(btns...)
	}
	return kb
}
