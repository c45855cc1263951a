package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"smmbot/internal/domain"
	"smmbot/internal/eventbus"
	"smmbot/internal/notifier"
	"smmbot/internal/repository"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

// ServiceSpec is one service of a creation request. Zero Quantity or
// Frequency and a nil Growth inherit the request defaults.
type ServiceSpec struct {
	ServiceID string `validate:"required"`
	Quantity  int    `validate:"gte=0"`
	Growth    *domain.Growth
	Frequency int `validate:"gte=0,lte=525600"`
}

// Spec describes the jobs to create: every link is combined with every
// service. Frequencies below the configured minimum are clamped; the lte
// bound is domain.MaxFrequency.
type Spec struct {
	UserID   string        `validate:"required"`
	APIURL   string        `validate:"required,url"`
	APIKey   string        `validate:"required"`
	Links    []string      `validate:"min=1,dive,required"`
	Services []ServiceSpec `validate:"min=1,dive"`

	Quantity  int `validate:"gte=1"`
	Growth    domain.Growth
	Frequency int `validate:"lte=525600"`

	TemplateID string
	// BulkGroupID joins the jobs to an existing group. Empty assigns a new
	// group when more than one job results.
	BulkGroupID string
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		g := sl.Current().Interface().(domain.Growth)
		if !g.Valid() {
			sl.ReportError(g.Min, "Growth", "Growth", "growth_range", "")
		}
	}, domain.Growth{})
	return v
}

func (s *Service) invalid(err error, hint string) error {
	return errors.WithHint(errors.Mark(errors.Wrap(err, "invalid job spec"), domain.ErrInvalidSpec), hint)
}

// normalize trims links and services and clamps frequencies. It does not
// modify the caller's slices.
func (s *Service) normalize(spec Spec) Spec {
	links := make([]string, 0, len(spec.Links))
	for _, l := range spec.Links {
		if l = strings.TrimSpace(l); l != "" {
			links = append(links, l)
		}
	}
	spec.Links = links
	spec.UserID = strings.TrimSpace(spec.UserID)
	spec.APIURL = strings.TrimSpace(spec.APIURL)
	spec.APIKey = strings.TrimSpace(spec.APIKey)

	svcs := make([]ServiceSpec, 0, len(spec.Services))
	for _, sv := range spec.Services {
		sv.ServiceID = strings.TrimSpace(sv.ServiceID)
		if sv.Quantity == 0 {
			sv.Quantity = spec.Quantity
		}
		if sv.Growth == nil {
			g := spec.Growth
			sv.Growth = &g
		}
		if sv.Frequency == 0 {
			sv.Frequency = spec.Frequency
		}
		sv.Frequency = s.clampFrequency(sv.Frequency)
		svcs = append(svcs, sv)
	}
	spec.Services = svcs
	spec.Frequency = s.clampFrequency(spec.Frequency)
	return spec
}

func (s *Service) check(spec Spec) error {
	if err := s.validate.Struct(spec); err != nil {
		return s.invalid(err, "check the panel URL, key, links, services, quantity (>= 1), growth range (0 <= min <= max <= 100) and frequency (at most one year)")
	}
	if limit := s.config().MaxLinks; len(spec.Links) > limit {
		return s.invalid(errors.Newf("%d links", len(spec.Links)), fmt.Sprintf("at most %d links per request", limit))
	}
	for _, sv := range spec.Services {
		if sv.Quantity < 1 {
			return s.invalid(errors.Newf("service %s: quantity %d", sv.ServiceID, sv.Quantity), "quantity must be at least 1")
		}
	}
	return nil
}

// Create validates spec and appends one job per (link, service) pair.
func (s *Service) Create(ctx context.Context, spec Spec) ([]*domain.Job, error) {
	return s.create(ctx, []Spec{spec}, nil)
}

// CreateBatch creates the jobs of several requests of one owner together.
// Every spec is checked before anything is appended, and the owner gets a
// single announcement.
func (s *Service) CreateBatch(ctx context.Context, specs []Spec) ([]*domain.Job, error) {
	return s.create(ctx, specs, nil)
}

// expand turns a checked spec into its jobs.
func (s *Service) expand(spec Spec, now time.Time) []*domain.Job {
	group := spec.BulkGroupID
	if group == "" && len(spec.Links)*len(spec.Services) > 1 {
		group = s.NewGroupID()
	}
	jobs := make([]*domain.Job, 0, len(spec.Links)*len(spec.Services))
	for _, link := range spec.Links {
		for _, sv := range spec.Services {
			jobs = append(jobs, &domain.Job{
				ID:          "job_" + s.newID(),
				UserID:      spec.UserID,
				APIURL:      spec.APIURL,
				APIKey:      spec.APIKey,
				ServiceID:   sv.ServiceID,
				Link:        link,
				Quantity:    sv.Quantity,
				Growth:      *sv.Growth,
				Frequency:   sv.Frequency,
				NextRun:     now,
				StartedAt:   now,
				BulkGroupID: group,
				TemplateID:  spec.TemplateID,
				History:     []domain.Order{},
			})
		}
	}
	return jobs
}

func (s *Service) create(ctx context.Context, specs []Spec, onAppend func(st *repository.State, jobs []*domain.Job) error) ([]*domain.Job, error) {
	if len(specs) == 0 {
		return nil, s.invalid(errors.New("empty request"), "nothing to create")
	}
	checked := make([]Spec, len(specs))
	for i, spec := range specs {
		spec = s.normalize(spec)
		if err := s.check(spec); err != nil {
			return nil, err
		}
		if i > 0 && spec.UserID != checked[0].UserID {
			return nil, s.invalid(errors.Newf("owners %s and %s", checked[0].UserID, spec.UserID), "one request cannot mix owners")
		}
		checked[i] = spec
	}

	if len(checked) > 1 {
		shared := ""
		for i := range checked {
			if checked[i].BulkGroupID != "" {
				continue
			}
			if shared == "" {
				shared = s.NewGroupID()
			}
			checked[i].BulkGroupID = shared
		}
	}

	now := s.now()
	var jobs []*domain.Job
	for _, spec := range checked {
		jobs = append(jobs, s.expand(spec, now)...)
	}
	userID := checked[0].UserID

	err := s.repo.MutateUnderLock(func(st *repository.State) error {
		if onAppend != nil {
			if err := onAppend(st, jobs); err != nil {
				return err
			}
		}
		for _, j := range jobs {
			st.Jobs = append(st.Jobs, j.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.repo.Save(ctx)

	s.log.Info("jobs created", logx.UserID(userID), logx.Int("count", len(jobs)), logx.String("group", jobs[0].BulkGroupID))
	for _, j := range jobs {
		s.publish(eventbus.JobCreated, j, userID, "")
	}
	s.announceCreated(jobs)
	return jobs, nil
}

func (s *Service) announceCreated(jobs []*domain.Job) {
	first := jobs[0]
	b := tgui.New()
	if len(jobs) == 1 {
		b.Title("🚀", "Automation job started").
			KV("Service", first.ServiceID).
			KV("Link", first.Link)
	} else {
		b.Title("🚀", "Bulk automation jobs started").
			KV("Total jobs", strconv.Itoa(len(jobs)))
	}
	b.KV("Starting quantity", strconv.Itoa(first.Quantity)).
		KV("Growth", fmt.Sprintf("%g-%g%%", first.Growth.Min, first.Growth.Max)).
		KV("Frequency", fmt.Sprintf("every %d minutes", first.Frequency)).
		Blank().
		Line("Your first orders will be placed shortly.")

	var controls []notifier.Control
	if len(jobs) == 1 {
		controls = jobControls(first)
	} else {
		controls = groupControls(first.BulkGroupID, false)
	}
	s.send(first.UserID, b.Build().Text, controls)
	s.admin(fmt.Sprintf("🚀 %s created %d job(s) on service %s",
		tgui.Code(first.UserID), len(jobs), tgui.Code(first.ServiceID)))
}

// CreateFromTemplate creates one job per link from a saved template and
// bumps the template's usage count.
func (s *Service) CreateFromTemplate(ctx context.Context, userID, templateID string, links []string) ([]*domain.Job, error) {
	var (
		tpl  domain.Template
		prof domain.APIProfile
		err  error
	)
	s.repo.View(func(st *repository.State) {
		u := st.Users[userID]
		if u == nil {
			err = domain.ErrUserNotFound
			return
		}
		found := false
		for _, t := range u.Templates {
			if t.ID == templateID {
				tpl, found = t, true
				break
			}
		}
		if !found {
			err = domain.ErrTemplateNotFound
			return
		}
		p, ok := u.APIProfiles[tpl.APIProfile]
		if !ok || p.URL == "" || p.Key == "" {
			err = errors.Wrapf(domain.ErrProfileNotFound, "profile %q", tpl.APIProfile)
			return
		}
		prof = p
	})
	if err != nil {
		return nil, err
	}

	spec := Spec{
		UserID:     userID,
		APIURL:     prof.URL,
		APIKey:     prof.Key,
		Links:      links,
		Services:   []ServiceSpec{{ServiceID: tpl.ServiceID}},
		Quantity:   tpl.Quantity,
		Growth:     domain.Growth{Min: tpl.GrowthMin, Max: tpl.GrowthMax},
		Frequency:  tpl.Frequency,
		TemplateID: tpl.ID,
	}
	return s.create(ctx, []Spec{spec}, func(st *repository.State, jobs []*domain.Job) error {
		u := st.Users[userID]
		if u == nil {
			return domain.ErrUserNotFound
		}
		for i := range u.Templates {
			if u.Templates[i].ID == templateID {
				u.Templates[i].UsageCount += len(jobs)
				return nil
			}
		}
		return domain.ErrTemplateNotFound
	})
}
