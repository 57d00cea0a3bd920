package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/availability"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

// Option id prefixes of dynamic availability choices.
const (
	DateOptionPrefix = "date_"
	TimeOptionPrefix = "time_"
)

// Default list labels used when a step does not author its own.
const (
	defaultListButton = "Choose"
	dateListButton    = "Choose date"
	timeListButton    = "Choose time"
)

// maxOfferedDates caps the days offered in one list message.
const maxOfferedDates = 10

// renderContext carries what every executor needs to render one step.
type renderContext struct {
	session *models.ConversationSession
	doc     *models.FlowDocument
	now     time.Time
}

// resolve picks the session language and substitutes collected fields.
func (rc *renderContext) resolve(t models.LocalizedText) string {
	text := t.Resolve(rc.session.Language, rc.doc.Settings.DefaultLanguageOrDefault())
	return Substitute(text, rc.session.CollectedFields)
}

func (rc *renderContext) command(text string) models.OutboundCommand {
	return models.OutboundCommand{
		TenantID:      rc.session.TenantID,
		ParticipantID: rc.session.ParticipantID,
		Text:          text,
	}
}

// executor renders one kind of step into outbound commands.
type executor interface {
	Execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error)
}

// executorFor is the single dispatch point from step kind to executor.
func (r *Router) executorFor(kind models.StepKind) (executor, error) {
	switch kind {
	case models.StepKindMessage:
		return messageExecutor{}, nil
	case models.StepKindInteractiveButtons:
		return buttonsExecutor{}, nil
	case models.StepKindInteractiveList:
		return listExecutor{}, nil
	case models.StepKindCollectInput:
		return inputExecutor{}, nil
	case models.StepKindDynamicAvailability:
		return availabilityExecutor{schedules: r.schedules}, nil
	case models.StepKindMedia:
		return mediaExecutor{}, nil
	}
	return nil, fmt.Errorf("no executor for step type %q", kind)
}

type messageExecutor struct{}

func (messageExecutor) Execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error) {
	text := rc.resolve(step.Content.Text)
	if text == "" {
		return nil, fmt.Errorf("step %q has no text", step.ID)
	}
	return []models.OutboundCommand{rc.command(text)}, nil
}

type mediaExecutor struct{}

func (mediaExecutor) Execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error) {
	url := Substitute(step.Content.MediaURL, rc.session.CollectedFields)
	if url == "" {
		return nil, fmt.Errorf("step %q has no media url", step.ID)
	}
	cmd := rc.command(rc.resolve(step.Content.Text))
	cmd.MediaURL = url
	return []models.OutboundCommand{cmd}, nil
}

type buttonsExecutor struct{}

func (buttonsExecutor) Execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error) {
	if len(step.Content.Buttons) == 0 {
		return nil, fmt.Errorf("step %q has no buttons", step.ID)
	}
	cmd := rc.command(rc.resolve(step.Content.Text))
	for _, b := range step.Content.Buttons {
		cmd.Buttons = append(cmd.Buttons, models.Button{ID: b.ID, Title: rc.resolve(b.Title)})
	}
	return []models.OutboundCommand{cmd}, nil
}

type listExecutor struct{}

func (listExecutor) Execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error) {
	if step.Content.List == nil {
		return nil, fmt.Errorf("step %q has no list", step.ID)
	}
	cmd := rc.command(rc.resolve(step.Content.Text))
	cmd.List = renderList(step.Content.List, rc.session.Language, rc.doc.Settings.DefaultLanguageOrDefault())
	for si := range cmd.List.Sections {
		for ri := range cmd.List.Sections[si].Rows {
			row := &cmd.List.Sections[si].Rows[ri]
			row.Title = Substitute(row.Title, rc.session.CollectedFields)
			row.Description = Substitute(row.Description, rc.session.CollectedFields)
		}
	}
	return []models.OutboundCommand{cmd}, nil
}

// renderList resolves an authored list into one language.
func renderList(spec *models.ListSpec, lang, fallback string) *models.ListMessage {
	list := &models.ListMessage{ButtonText: spec.ButtonText.Resolve(lang, fallback)}
	if list.ButtonText == "" {
		list.ButtonText = defaultListButton
	}
	for _, s := range spec.Sections {
		section := models.ListSection{Title: s.Title.Resolve(lang, fallback)}
		for _, r := range s.Rows {
			section.Rows = append(section.Rows, models.ListRow{
				ID:          r.ID,
				Title:       r.Title.Resolve(lang, fallback),
				Description: r.Description.Resolve(lang, fallback),
			})
		}
		list.Sections = append(list.Sections, section)
	}
	return list
}

type inputExecutor struct{}

func (inputExecutor) Execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error) {
	text := rc.resolve(step.Content.Text)
	if step.Input != nil {
		if hint := rc.resolve(step.Input.Placeholder); hint != "" {
			text += "\n\n_" + hint + "_"
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("step %q has no prompt", step.ID)
	}
	return []models.OutboundCommand{rc.command(text)}, nil
}

// ScheduleSource looks up the schedule that applies to a tenant department.
type ScheduleSource interface {
	Schedule(ctx context.Context, tenantID, departmentID string) (models.AvailabilitySchedule, error)
}

type availabilityExecutor struct {
	schedules ScheduleSource
}

func (e availabilityExecutor) Execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error) {
	cfg := step.Availability
	if cfg == nil {
		return nil, fmt.Errorf("step %q has no availability config", step.ID)
	}
	if e.schedules == nil {
		return nil, fmt.Errorf("no schedule source configured")
	}
	schedule, err := e.schedules.Schedule(ctx, rc.session.TenantID, cfg.DepartmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}

	switch cfg.Mode {
	case models.AvailabilityModeDate:
		return e.dates(rc, step, schedule, nil), nil
	case models.AvailabilityModeTime:
		date := rc.session.CollectedFields[cfg.DateField].Text
		if date == "" {
			return nil, fmt.Errorf("step %q needs field %q before offering times", step.ID, cfg.DateField)
		}
		cmds, ok := e.times(rc, step, schedule, date)
		if !ok {
			return []models.OutboundCommand{rc.command(noTimesText(schedule, date))}, nil
		}
		return cmds, nil
	case models.AvailabilityModeDateTime:
		if rc.session.PendingDate == "" {
			return e.dates(rc, step, schedule, nil), nil
		}
		cmds, ok := e.times(rc, step, schedule, rc.session.PendingDate)
		if ok {
			return cmds, nil
		}
		notice := rc.command(noTimesText(schedule, rc.session.PendingDate))
		rc.session.PendingDate = ""
		return e.dates(rc, step, schedule, &notice), nil
	}
	return nil, fmt.Errorf("unknown availability type %q", cfg.Mode)
}

// dates offers the next bookable days as a list.
func (e availabilityExecutor) dates(rc *renderContext, step *models.Step, schedule models.AvailabilitySchedule, notice *models.OutboundCommand) []models.OutboundCommand {
	var out []models.OutboundCommand
	if notice != nil {
		out = append(out, *notice)
	}
	slots := availability.Resolve(schedule, *step.Availability, rc.now)
	if len(slots) == 0 {
		return append(out, rc.command("Sorry, there are no appointment dates available right now. Please try again later."))
	}
	if len(slots) > maxOfferedDates {
		slots = slots[:maxOfferedDates]
	}

	section := models.ListSection{Title: "Available dates"}
	for _, slot := range slots {
		title := slot.Date
		if day, err := time.ParseInLocation(models.DateLayout, slot.Date, schedule.Location()); err == nil {
			title = availability.FormatDateShort(day)
		}
		labels := make([]string, len(slot.Periods))
		for i, p := range slot.Periods {
			labels[i] = p.Label
		}
		section.Rows = append(section.Rows, models.ListRow{
			ID:          DateOptionPrefix + slot.Date,
			Title:       title,
			Description: strings.Join(labels, ", "),
		})
	}

	text := rc.resolve(step.Content.Text)
	if text == "" {
		text = "Please choose a date for your appointment."
	}
	cmd := rc.command(text)
	cmd.List = &models.ListMessage{ButtonText: dateListButton, Sections: []models.ListSection{section}}
	return append(out, cmd)
}

// times offers the periods, or sliced start times, of one date. Up to three are sent
// as buttons, more as a list.
func (e availabilityExecutor) times(rc *renderContext, step *models.Step, schedule models.AvailabilitySchedule, date string) ([]models.OutboundCommand, bool) {
	cfg := step.Availability
	slot, ok := availability.ResolveDate(schedule, *cfg, date)
	if !ok {
		return nil, false
	}

	var options []models.Button
	for _, p := range slot.Periods {
		if !cfg.SliceSlots {
			options = append(options, models.Button{ID: TimeOptionPrefix + p.Start, Title: p.Label})
			continue
		}
		for _, start := range availability.Subdivide(p, schedule.SlotDurationMinutes, schedule.BufferMinutes) {
			m, err := availability.ParseClock(start)
			if err != nil {
				continue
			}
			options = append(options, models.Button{ID: TimeOptionPrefix + start, Title: availability.PeriodLabel(m)})
		}
	}
	if len(options) == 0 {
		return nil, false
	}

	text := rc.resolve(step.Content.Text)
	if text == "" || cfg.Mode == models.AvailabilityModeDateTime {
		text = "Please choose a time on " + slot.DateLabel + "."
	}
	cmd := rc.command(text)
	if len(options) <= 3 {
		cmd.Buttons = options
		return []models.OutboundCommand{cmd}, true
	}
	section := models.ListSection{Title: "Available times"}
	for _, o := range options {
		section.Rows = append(section.Rows, models.ListRow{ID: o.ID, Title: o.Title})
	}
	cmd.List = &models.ListMessage{ButtonText: timeListButton, Sections: []models.ListSection{section}}
	return []models.OutboundCommand{cmd}, true
}

func noTimesText(schedule models.AvailabilitySchedule, date string) string {
	if day, err := time.ParseInLocation(models.DateLayout, date, schedule.Location()); err == nil {
		date = availability.FormatDate(day)
	}
	return "Sorry, there are no times available on " + date + ". Please choose another date."
}

// captureAvailability records an offered date or time tap on a dynamic availability
// step. rerender is set when a datetime step has its date and must now offer times.
func captureAvailability(s *models.ConversationSession, step *models.Step, event models.InboundEvent) (captured, rerender bool) {
	cfg := step.Availability
	tapped := event.TappedElementID
	if cfg == nil || tapped == "" || !isOffered(tapped, s.Offered) {
		return false, false
	}
	date, isDate := strings.CutPrefix(tapped, DateOptionPrefix)
	clock, isTime := strings.CutPrefix(tapped, TimeOptionPrefix)

	switch cfg.Mode {
	case models.AvailabilityModeDate:
		if isDate {
			s.SetField(cfg.SaveToField, models.TextValue(date))
			return true, false
		}
	case models.AvailabilityModeTime:
		if isTime {
			s.SetField(cfg.SaveToField, models.TextValue(clock))
			return true, false
		}
	case models.AvailabilityModeDateTime:
		if isDate {
			s.PendingDate = date
			return false, true
		}
		if isTime && s.PendingDate != "" {
			s.SetField(cfg.SaveToField, models.TextValue(s.PendingDate+" "+clock))
			s.PendingDate = ""
			return true, false
		}
	}
	return false, false
}
