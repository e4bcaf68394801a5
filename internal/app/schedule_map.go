package app

import (
	"time"

	"github.com/philornot/ai-reminder/internal/config"
	"github.com/philornot/ai-reminder/internal/scheduler"
)

const (
	defaultFireTimeout     = 5 * time.Minute
	defaultOnDemandTimeout = 90 * time.Second
)

// mapSchedule turns the reminder section into a ScheduleSpec.
func mapSchedule(r config.ReminderConfig) (scheduler.Spec, error) {
	loc, err := scheduler.LoadLocation(r.Timezone)
	if err != nil {
		return scheduler.Spec{}, config.Wrap("reminder.timezone", err)
	}
	start, err := scheduler.ParseTimeOfDay(r.TimeRange.Start)
	if err != nil {
		return scheduler.Spec{}, config.Wrap("reminder.time_range.start", err)
	}
	spec := scheduler.Spec{Randomize: r.RandomizeTime, WindowStart: start, Location: loc}
	if r.RandomizeTime {
		end, err := scheduler.ParseTimeOfDay(r.TimeRange.End)
		if err != nil {
			return scheduler.Spec{}, config.Wrap("reminder.time_range.end", err)
		}
		spec.WindowEnd = end
	}
	if err := spec.Validate(); err != nil {
		return scheduler.Spec{}, config.Wrap("reminder.time_range", err)
	}
	return spec, nil
}

func mapReminderTimeouts(r config.ReminderConfig) (fire, onDemand time.Duration, err error) {
	if fire, err = config.ParseDurationOrDefault("reminder.fire_timeout", r.FireTimeout, defaultFireTimeout); err != nil {
		return 0, 0, err
	}
	if onDemand, err = config.ParseDurationOrDefault("reminder.on_demand_timeout", r.OnDemandTimeout, defaultOnDemandTimeout); err != nil {
		return 0, 0, err
	}
	if onDemand > fire {
		return 0, 0, config.Errorf("reminder.on_demand_timeout", "must not exceed reminder.fire_timeout (%s)", fire)
	}
	return fire, onDemand, nil
}
