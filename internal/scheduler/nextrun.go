package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"skillflow/internal/domain"
)

// NextRunCalculator validates schedule values and computes the next fire
// time strictly after from.
type NextRunCalculator interface {
	Validate(t domain.ScheduleType, value string) error
	Next(t domain.ScheduleType, value string, from time.Time) (time.Time, error)
}

// cronScanDays bounds the subset evaluator's forward search.
const cronScanDays = 366

// SubsetCalculator implements interval, daily, weekly and monthly rules
// and a cron subset where each field is "*" or a single number.
type SubsetCalculator struct{}

func (SubsetCalculator) Validate(t domain.ScheduleType, value string) error {
	_, err := SubsetCalculator{}.Next(t, value, time.Now())
	return err
}

func (SubsetCalculator) Next(t domain.ScheduleType, value string, from time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	switch t {
	case domain.ScheduleInterval:
		d, err := ParseInterval(value)
		if err != nil {
			return time.Time{}, err
		}
		return from.Add(d), nil
	case domain.ScheduleDaily:
		h, m, err := parseClock(value)
		if err != nil {
			return time.Time{}, err
		}
		return nextDaily(from, h, m), nil
	case domain.ScheduleWeekly:
		day, clock, ok := strings.Cut(value, " ")
		if !ok {
			return time.Time{}, fmt.Errorf("weekly value %q must be \"<day> HH:MM\"", value)
		}
		wd, err := parseWeekday(day)
		if err != nil {
			return time.Time{}, err
		}
		h, m, err := parseClock(strings.TrimSpace(clock))
		if err != nil {
			return time.Time{}, err
		}
		return nextWeekly(from, wd, h, m), nil
	case domain.ScheduleMonthly:
		dom, clock, ok := strings.Cut(value, " ")
		if !ok {
			return time.Time{}, fmt.Errorf("monthly value %q must be \"<day-of-month> HH:MM\"", value)
		}
		day, err := strconv.Atoi(dom)
		if err != nil || day < 1 || day > 31 {
			return time.Time{}, fmt.Errorf("invalid day of month %q", dom)
		}
		h, m, err := parseClock(strings.TrimSpace(clock))
		if err != nil {
			return time.Time{}, err
		}
		return nextMonthly(from, day, h, m), nil
	case domain.ScheduleCron:
		spec, err := parseCronSubset(value)
		if err != nil {
			return time.Time{}, err
		}
		return spec.next(from), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", t)
}

// CronCalculator evaluates cron values with robfig/cron, which accepts
// ranges, lists, steps and descriptors. Other types use SubsetCalculator.
type CronCalculator struct {
	SubsetCalculator
}

func (c CronCalculator) Validate(t domain.ScheduleType, value string) error {
	if t == domain.ScheduleCron {
		_, err := cron.ParseStandard(value)
		return err
	}
	return c.SubsetCalculator.Validate(t, value)
}

func (c CronCalculator) Next(t domain.ScheduleType, value string, from time.Time) (time.Time, error) {
	if t != domain.ScheduleCron {
		return c.SubsetCalculator.Next(t, value, from)
	}
	sched, err := cron.ParseStandard(value)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return from.Add(24 * time.Hour), nil
	}
	return next, nil
}

// CalculatorByName returns the calculator for a config value: "standard"
// selects robfig/cron, anything else the subset evaluator.
func CalculatorByName(name string) NextRunCalculator {
	if name == "standard" {
		return CronCalculator{}
	}
	return SubsetCalculator{}
}

// ParseInterval accepts milliseconds ("60000") or a Go duration ("1m").
func ParseInterval(value string) (time.Duration, error) {
	var d time.Duration
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else if d, err = time.ParseDuration(value); err != nil {
		return 0, fmt.Errorf("invalid interval %q", value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %q", value)
	}
	return d, nil
}

func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	return h, m, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	if wd, ok := weekdays[strings.ToLower(s)]; ok {
		return wd, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 7 {
		return time.Weekday(n % 7), nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func at(day time.Time, h, m int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

func nextDaily(from time.Time, h, m int) time.Time {
	t := at(from, h, m)
	if t.After(from) {
		return t
	}
	return at(from.AddDate(0, 0, 1), h, m)
}

func nextWeekly(from time.Time, wd time.Weekday, h, m int) time.Time {
	ahead := (int(wd) - int(from.Weekday()) + 7) % 7
	t := at(from.AddDate(0, 0, ahead), h, m)
	if !t.After(from) {
		t = at(from.AddDate(0, 0, ahead+7), h, m)
	}
	return t
}

// nextMonthly clamps day to the length of the target month.
func nextMonthly(from time.Time, day, h, m int) time.Time {
	first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location())
	t := at(first.AddDate(0, 0, clampDay(first, day)-1), h, m)
	if t.After(from) {
		return t
	}
	next := first.AddDate(0, 1, 0)
	return at(next.AddDate(0, 0, clampDay(next, day)-1), h, m)
}

func clampDay(firstOfMonth time.Time, day int) int {
	last := firstOfMonth.AddDate(0, 1, -1).Day()
	if day > last {
		return last
	}
	return day
}

// cronSpec fields hold -1 for "*".
type cronSpec struct {
	minute, hour, dom, month, dow int
}

func parseCronSubset(value string) (cronSpec, error) {
	fields := strings.Fields(value)
	if len(fields) != 5 {
		return cronSpec{}, fmt.Errorf("cron %q must have 5 fields", value)
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 7}}
	var out [5]int
	for i, f := range fields {
		if f == "*" {
			out[i] = -1
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < bounds[i][0] || n > bounds[i][1] {
			return cronSpec{}, fmt.Errorf("cron field %d (%q) must be * or a number in [%d,%d]", i+1, f, bounds[i][0], bounds[i][1])
		}
		out[i] = n
	}
	if out[4] == 7 {
		out[4] = 0
	}
	return cronSpec{minute: out[0], hour: out[1], dom: out[2], month: out[3], dow: out[4]}, nil
}

func (c cronSpec) dayMatches(d time.Time) bool {
	if c.month >= 0 && int(d.Month()) != c.month {
		return false
	}
	domOK := c.dom < 0 || d.Day() == c.dom
	dowOK := c.dow < 0 || int(d.Weekday()) == c.dow
	// like cron, a restricted day-of-month and day-of-week match either
	if c.dom >= 0 && c.dow >= 0 {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// next scans forward day by day; nothing within cronScanDays falls back
// to one day later.
func (c cronSpec) next(from time.Time) time.Time {
	hours := span(c.hour, 23)
	minutes := span(c.minute, 59)
	start := at(from, 0, 0)
	for d := 0; d <= cronScanDays; d++ {
		day := start.AddDate(0, 0, d)
		if !c.dayMatches(day) {
			continue
		}
		for _, h := range hours {
			for _, m := range minutes {
				if t := at(day, h, m); t.After(from) {
					return t
				}
			}
		}
	}
	return from.Add(24 * time.Hour)
}

func span(v, hi int) []int {
	if v >= 0 {
		return []int{v}
	}
	out := make([]int, hi+1)
	for i := range out {
		out[i] = i
	}
	return out
}
