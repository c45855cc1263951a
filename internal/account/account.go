// Package account resolves engine users: their panel credentials, templates,
// order history and the Telegram chat they are linked to.
package account

import (
	"context"
	"crypto/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"smmbot/internal/domain"
	"smmbot/internal/repository"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLen      = 6
	codeTTL      = time.Hour
)

type Service struct {
	repo      repository.Repository
	codes     *tgui.TokenStore
	adminChat int64
	minFreq   int
	log       logx.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMinFrequency sets the clamp applied to template frequencies.
func WithMinFrequency(m int) Option { return func(s *Service) { s.minFreq = m } }

func New(repo repository.Repository, adminChat int64, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		adminChat: adminChat,
		minFreq:   5,
		log:       logx.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.codes = tgui.NewTokenStore().WithTTL(codeTTL).WithClock(s.now)
	s.log = s.log.With(logx.Component("account"))
	return s
}

// AdminChat is the chat that receives admin notifications.
func (s *Service) AdminChat() int64 { return s.adminChat }

// Get returns a copy of the user.
func (s *Service) Get(userID string) (*domain.User, error) {
	var u *domain.User
	s.repo.View(func(st *repository.State) { u = st.Users[userID].Clone() })
	if u == nil {
		return nil, errors.Wrapf(domain.ErrUserNotFound, "user %q", userID)
	}
	return u, nil
}

// FindByTelegram returns the user linked to chatID.
func (s *Service) FindByTelegram(chatID int64) (*domain.User, bool) {
	if chatID == 0 {
		return nil, false
	}
	var u *domain.User
	s.repo.View(func(st *repository.State) {
		for _, cand := range st.Users {
			if cand.TelegramID == chatID {
				u = cand.Clone()
				return
			}
		}
	})
	return u, u != nil
}

// Requester maps a chat to the identity used for lifecycle calls: the
// linked user, the admin identity for the admin chat, or "".
func (s *Service) Requester(chatID int64) string {
	if u, ok := s.FindByTelegram(chatID); ok {
		return u.ID
	}
	if chatID != 0 && chatID == s.adminChat {
		return domain.AdminUserID
	}
	return ""
}

// IsAdmin reports whether userID acts for the operator.
func (s *Service) IsAdmin(userID string) bool {
	if userID == domain.AdminUserID {
		return true
	}
	chat, ok := s.ChatID(userID)
	return ok && s.adminChat != 0 && chat == s.adminChat
}

// ChatID resolves a user to a Telegram chat. The admin identity maps to the
// admin chat.
func (s *Service) ChatID(userID string) (int64, bool) {
	if userID == domain.AdminUserID {
		return s.adminChat, s.adminChat != 0
	}
	var chat int64
	s.repo.View(func(st *repository.State) {
		if u := st.Users[userID]; u != nil {
			chat = u.TelegramID
		}
	})
	return chat, chat != 0
}

func (s *Service) Profile(userID, name string) (domain.APIProfile, error) {
	u, err := s.Get(userID)
	if err != nil {
		return domain.APIProfile{}, err
	}
	p, ok := u.APIProfiles[name]
	if !ok {
		return domain.APIProfile{}, errors.Wrapf(domain.ErrProfileNotFound, "profile %q", name)
	}
	return p, nil
}

func (s *Service) Template(userID, id string) (domain.Template, error) {
	u, err := s.Get(userID)
	if err != nil {
		return domain.Template{}, err
	}
	for _, t := range u.Templates {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Template{}, errors.Wrapf(domain.ErrTemplateNotFound, "template %q", id)
}

// RecentOrders returns up to n orders, newest first.
func (s *Service) RecentOrders(userID string, n int) []domain.OrderRecord {
	u, err := s.Get(userID)
	if err != nil || n <= 0 {
		return nil
	}
	out := make([]domain.OrderRecord, 0, n)
	for i := len(u.Orders) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, u.Orders[i])
	}
	return out
}

// ListJobs returns the jobs of userID, or every job when userID is empty.
func (s *Service) ListJobs(userID string, includeStopped bool) []*domain.Job {
	var out []*domain.Job
	for _, j := range s.repo.List() {
		if userID != "" && j.UserID != userID {
			continue
		}
		if j.Stopped && !includeStopped {
			continue
		}
		out = append(out, j)
	}
	return out
}

// IssueCode returns a one-hour verification code for chatID, replacing any
// earlier code of that chat.
func (s *Service) IssueCode(chatID int64) string {
	var buf [codeLen]byte
	_, _ = rand.Read(buf[:])
	code := make([]byte, codeLen)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	s.codes.Set(codeKey(chatID), code)
	s.log.Info("verification code issued", logx.ChatID(chatID))
	return string(code)
}

func codeKey(chatID int64) string { return "code:" + strconv.FormatInt(chatID, 10) }

// Link verifies code for chatID and attaches the chat to userID. A code is
// consumed only by a successful link.
func (s *Service) Link(ctx context.Context, userID string, chatID int64, code string) error {
	want, ok := s.codes.GetBytes(codeKey(chatID))
	if !ok || !strings.EqualFold(strings.TrimSpace(code), string(want)) {
		return domain.ErrInvalidCode
	}
	err := s.repo.MutateUnderLock(func(st *repository.State) error {
		u := st.Users[userID]
		if u == nil {
			return errors.Wrapf(domain.ErrUserNotFound, "user %q", userID)
		}
		for _, other := range st.Users {
			if other.ID != userID && other.TelegramID == chatID {
				other.TelegramID = 0
			}
		}
		u.TelegramID = chatID
		return nil
	})
	if err != nil {
		return err
	}
	s.codes.Take(codeKey(chatID))
	_ = s.repo.Save(ctx)
	s.log.Info("telegram linked", logx.UserID(userID), logx.ChatID(chatID))
	return nil
}

// AddUser creates an empty account.
func (s *Service) AddUser(ctx context.Context, userID string) (*domain.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || userID == domain.AdminUserID {
		return nil, errors.WithHint(errors.Newf("invalid user id %q", userID), "pick a non-empty id other than \"admin\"")
	}
	var out *domain.User
	err := s.repo.MutateUnderLock(func(st *repository.State) error {
		if _, exists := st.Users[userID]; exists {
			return errors.Newf("user %q already exists", userID)
		}
		u := &domain.User{
			ID:          userID,
			APIProfiles: map[string]domain.APIProfile{},
			Templates:   []domain.Template{},
			Orders:      []domain.OrderRecord{},
			CreatedAt:   s.now(),
		}
		st.Users[userID] = u
		out = u.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, s.repo.Save(ctx)
}

// AddProfile stores or replaces a named panel credential.
func (s *Service) AddProfile(ctx context.Context, userID, name, url, key string) error {
	name, url, key = strings.TrimSpace(name), strings.TrimSpace(url), strings.TrimSpace(key)
	if name == "" || url == "" || key == "" {
		return errors.WithHint(errors.New("incomplete profile"), "name, url and key are required")
	}
	err := s.repo.MutateUnderLock(func(st *repository.State) error {
		u := st.Users[userID]
		if u == nil {
			return errors.Wrapf(domain.ErrUserNotFound, "user %q", userID)
		}
		if u.APIProfiles == nil {
			u.APIProfiles = map[string]domain.APIProfile{}
		}
		u.APIProfiles[name] = domain.APIProfile{URL: url, Key: key}
		return nil
	})
	if err != nil {
		return err
	}
	return s.repo.Save(ctx)
}

// AddTemplate stores t under a new id. Its API profile must exist.
func (s *Service) AddTemplate(ctx context.Context, userID string, t domain.Template) (domain.Template, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" || t.ServiceID == "" || t.Quantity < 1 {
		return domain.Template{}, errors.Mark(
			errors.WithHint(errors.New("incomplete template"), "name, service and a quantity >= 1 are required"),
			domain.ErrInvalidSpec)
	}
	if !(domain.Growth{Min: t.GrowthMin, Max: t.GrowthMax}).Valid() {
		return domain.Template{}, errors.Mark(
			errors.WithHint(errors.Newf("growth %g-%g", t.GrowthMin, t.GrowthMax), "growth must satisfy 0 <= min <= max <= 100"),
			domain.ErrInvalidSpec)
	}
	if t.Frequency > domain.MaxFrequency {
		return domain.Template{}, errors.Mark(
			errors.WithHint(errors.Newf("frequency %d", t.Frequency), "frequency must be at most one year in minutes"),
			domain.ErrInvalidSpec)
	}
	if t.Frequency < s.minFreq {
		t.Frequency = s.minFreq
	}
	t.ID = "template_" + uuid.NewString()
	t.UsageCount = 0
	t.CreatedAt = s.now()

	err := s.repo.MutateUnderLock(func(st *repository.State) error {
		u := st.Users[userID]
		if u == nil {
			return errors.Wrapf(domain.ErrUserNotFound, "user %q", userID)
		}
		if _, ok := u.APIProfiles[t.APIProfile]; !ok {
			return errors.Wrapf(domain.ErrProfileNotFound, "profile %q", t.APIProfile)
		}
		u.Templates = append(u.Templates, t)
		return nil
	})
	if err != nil {
		return domain.Template{}, err
	}
	return t, s.repo.Save(ctx)
}

// Users returns every account sorted by id.
func (s *Service) Users() []*domain.User {
	var out []*domain.User
	s.repo.View(func(st *repository.State) {
		for _, u := range st.Users {
			out = append(out, u.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
