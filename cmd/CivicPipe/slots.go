package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CivicPipe/internal/availability"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

type slotsOptions struct {
	schedulePath string
	startDays    int
	endDays      int
	periods      []string
	at           string
	slice        bool
}

// newSlotsCmd previews the dates and periods a schedule offers, without a database.
func newSlotsCmd() *cobra.Command {
	var opts slotsOptions
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Preview offerable appointment slots for a schedule file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return previewSlots(cmd.OutOrStdout(), opts, time.Now())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.schedulePath, "schedule", "", "schedule YAML or JSON file (default: built-in office hours)")
	f.IntVar(&opts.startDays, "start-days", 0, "first day offset to offer, 0 is today")
	f.IntVar(&opts.endDays, "end-days", 0, "day offset to stop before (default: the schedule's max advance)")
	f.StringSliceVar(&opts.periods, "periods", nil, "periods to show: morning, afternoon, evening (default: all)")
	f.StringVar(&opts.at, "at", "", "evaluate as of this RFC 3339 time instead of now")
	f.BoolVar(&opts.slice, "slice", false, "list bookable start times inside each period")
	return cmd
}

func previewSlots(out io.Writer, opts slotsOptions, now time.Time) error {
	schedule := models.DefaultSchedule("preview", "")
	if opts.schedulePath != "" {
		data, err := os.ReadFile(opts.schedulePath)
		if err != nil {
			return fmt.Errorf("failed to read schedule: %w", err)
		}
		if schedule, err = availability.DecodeSchedule(data); err != nil {
			return err
		}
		if err := availability.ValidateSchedule(schedule); err != nil {
			return err
		}
	}
	if opts.at != "" {
		t, err := time.Parse(time.RFC3339, opts.at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		now = t
	}

	cfg := models.AvailabilityConfig{
		Mode:      models.AvailabilityModeDate,
		DateRange: models.DateRange{StartDays: opts.startDays, EndDays: opts.endDays},
	}
	if len(opts.periods) > 0 {
		cfg.TimeSlots = &models.TimeSlotFilter{}
		for _, p := range opts.periods {
			switch models.Period(strings.ToLower(strings.TrimSpace(p))) {
			case models.PeriodMorning:
				cfg.TimeSlots.ShowMorning = true
			case models.PeriodAfternoon:
				cfg.TimeSlots.ShowAfternoon = true
			case models.PeriodEvening:
				cfg.TimeSlots.ShowEvening = true
			default:
				return fmt.Errorf("unknown period %q", p)
			}
		}
	}

	slots := availability.Resolve(schedule, cfg, now)
	fmt.Fprintf(out, "Timezone %s, %d offerable date(s)\n", schedule.Location(), len(slots))
	for _, slot := range slots {
		fmt.Fprintf(out, "%s  %s\n", slot.Date, slot.DateLabel)
		for _, p := range slot.Periods {
			fmt.Fprintf(out, "  %-9s %s-%s\n", p.Period, p.Start, p.End)
			if opts.slice {
				starts := availability.Subdivide(p, schedule.SlotDurationMinutes, schedule.BufferMinutes)
				fmt.Fprintf(out, "            %s\n", strings.Join(starts, " "))
			}
		}
	}
	return nil
}
