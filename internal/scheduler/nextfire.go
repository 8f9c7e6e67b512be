package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// NextFire computes the next execution instant for a trigger, strictly after
// now, in the trigger's timezone. A nil result without error means the job
// awaits an external trigger (calendar events). Malformed triggers return
// KindSchedulerConfig.
func NextFire(spec store.TriggerSpec, now time.Time) (*time.Time, error) {
	loc := time.UTC
	if spec.Timezone != "" {
		l, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			return nil, errs.Wrap(errs.KindSchedulerConfig,
				fmt.Sprintf("timezone %q", spec.Timezone), err)
		}
		loc = l
	}
	local := now.In(loc)

	switch spec.Kind {
	case store.TriggerDaily, store.TriggerWeekly:
		hour, minute, err := parseClock(spec.Time)
		if err != nil {
			return nil, err
		}
		base := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		// The earliest of the next seven days matching the days set.
		for i := 0; i <= 7; i++ {
			c := base.AddDate(0, 0, i)
			if !c.After(now) {
				continue
			}
			if len(spec.Days) == 0 || slices.Contains(spec.Days, int(c.Weekday())) {
				return &c, nil
			}
		}
		return nil, errs.Newf(errs.KindSchedulerConfig,
			"trigger never fires: days=%v", spec.Days)

	case store.TriggerMonthly:
		hour, minute, err := parseClock(spec.Time)
		if err != nil {
			return nil, err
		}
		dom := spec.DayOfMonth
		if dom <= 0 {
			dom = 1
		}
		c := time.Date(local.Year(), local.Month(), dom, hour, minute, 0, 0, loc)
		if !c.After(now) {
			c = time.Date(local.Year(), local.Month()+1, dom, hour, minute, 0, 0, loc)
		}
		return &c, nil

	case store.TriggerInterval:
		if spec.Minutes <= 0 {
			return nil, errs.Newf(errs.KindSchedulerConfig,
				"interval trigger needs minutes > 0, got %d", spec.Minutes)
		}
		c := now.Add(time.Duration(spec.Minutes) * time.Minute)
		return &c, nil

	case store.TriggerOnce:
		if spec.RunAt.IsZero() {
			return nil, errs.New(errs.KindSchedulerConfig, "once trigger needs runAt")
		}
		c := spec.RunAt
		if !c.After(now) {
			// Past instant: immediate one-shot, then the job is disabled.
			c = now
		}
		return &c, nil

	case store.TriggerCron:
		if !gronx.New().IsValid(spec.Expr) {
			return nil, errs.Newf(errs.KindSchedulerConfig, "invalid cron expression %q", spec.Expr)
		}
		c, err := gronx.NextTickAfter(spec.Expr, local, false)
		if err != nil {
			return nil, errs.Wrap(errs.KindSchedulerConfig, "cron next tick", err)
		}
		return &c, nil

	case store.TriggerCalendarEvent:
		// Fire instants come from Calendar Sync, not from the clock.
		return nil, nil

	default:
		return nil, errs.Newf(errs.KindSchedulerConfig, "unknown trigger kind %q", spec.Kind)
	}
}

func parseClock(s string) (hour, minute int, err error) {
	if s == "" {
		return 9, 0, nil
	}
	if _, perr := fmt.Sscanf(s, "%d:%d", &hour, &minute); perr != nil {
		return 0, 0, errs.Wrap(errs.KindSchedulerConfig,
			fmt.Sprintf("time %q is not HH:MM", s), perr)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errs.Newf(errs.KindSchedulerConfig, "time %q out of range", s)
	}
	return hour, minute, nil
}
