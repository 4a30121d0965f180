package scheduler

import (
	"testing"
	"time"

	"skillflow/internal/domain"
)

func date(y int, m time.Month, d, h, min, sec int) time.Time {
	return time.Date(y, m, d, h, min, sec, 0, time.UTC)
}

func TestSubsetCalculator_Next(t *testing.T) {
	sunday10 := date(2024, time.March, 10, 10, 0, 0)
	tests := []struct {
		name  string
		typ   domain.ScheduleType
		value string
		from  time.Time
		want  time.Time
	}{
		{"daily passed rolls to tomorrow", domain.ScheduleDaily, "09:00", sunday10, date(2024, time.March, 11, 9, 0, 0)},
		{"daily later today", domain.ScheduleDaily, "09:00", date(2024, time.March, 10, 8, 0, 0), date(2024, time.March, 10, 9, 0, 0)},
		{"daily exactly now", domain.ScheduleDaily, "09:00", date(2024, time.March, 10, 9, 0, 0), date(2024, time.March, 11, 9, 0, 0)},
		{"weekly next day", domain.ScheduleWeekly, "monday 09:00", sunday10, date(2024, time.March, 11, 9, 0, 0)},
		{"weekly same day passed", domain.ScheduleWeekly, "Sun 09:00", sunday10, date(2024, time.March, 17, 9, 0, 0)},
		{"weekly same day later", domain.ScheduleWeekly, "0 11:30", sunday10, date(2024, time.March, 10, 11, 30, 0)},
		{"monthly clamps to leap day", domain.ScheduleMonthly, "31 12:00", date(2024, time.February, 10, 0, 0, 0), date(2024, time.February, 29, 12, 0, 0)},
		{"monthly rolls over", domain.ScheduleMonthly, "31 12:00", date(2024, time.February, 29, 13, 0, 0), date(2024, time.March, 31, 12, 0, 0)},
		{"monthly next month", domain.ScheduleMonthly, "15 08:00", date(2024, time.March, 20, 0, 0, 0), date(2024, time.April, 15, 8, 0, 0)},
		{"interval ms", domain.ScheduleInterval, "200", sunday10, sunday10.Add(200 * time.Millisecond)},
		{"interval duration", domain.ScheduleInterval, "1m", sunday10, sunday10.Add(time.Minute)},
		{"cron daily", domain.ScheduleCron, "30 9 * * *", sunday10, date(2024, time.March, 11, 9, 30, 0)},
		{"cron first of month", domain.ScheduleCron, "0 0 1 * *", sunday10, date(2024, time.April, 1, 0, 0, 0)},
		{"cron every minute", domain.ScheduleCron, "* * * * *", date(2024, time.March, 10, 10, 0, 30), date(2024, time.March, 10, 10, 1, 0)},
		{"cron weekday", domain.ScheduleCron, "0 12 * * 1", sunday10, date(2024, time.March, 11, 12, 0, 0)},
		{"cron impossible falls back", domain.ScheduleCron, "0 0 30 2 *", sunday10, sunday10.Add(24 * time.Hour)},
	}
	calc := SubsetCalculator{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Next(tt.typ, tt.value, tt.from)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next(%s %q, %v) = %v, want %v", tt.typ, tt.value, tt.from, got, tt.want)
			}
		})
	}
}

func TestSubsetCalculator_Invalid(t *testing.T) {
	tests := []struct {
		typ   domain.ScheduleType
		value string
	}{
		{domain.ScheduleInterval, "0"},
		{domain.ScheduleInterval, "soon"},
		{domain.ScheduleDaily, "25:00"},
		{domain.ScheduleDaily, "9am"},
		{domain.ScheduleWeekly, "someday 09:00"},
		{domain.ScheduleWeekly, "monday"},
		{domain.ScheduleMonthly, "32 09:00"},
		{domain.ScheduleCron, "*/5 * * * *"},
		{domain.ScheduleCron, "0 0 * *"},
		{"hourly", "1"},
	}
	for _, tt := range tests {
		if err := (SubsetCalculator{}).Validate(tt.typ, tt.value); err == nil {
			t.Errorf("Validate(%s %q) accepted", tt.typ, tt.value)
		}
	}
}

func TestCronCalculator(t *testing.T) {
	calc := CronCalculator{}
	from := date(2024, time.March, 10, 10, 7, 0)
	got, err := calc.Next(domain.ScheduleCron, "*/15 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := date(2024, time.March, 10, 10, 15, 0); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
	if err := calc.Validate(domain.ScheduleCron, "0 9-17 * * mon-fri"); err != nil {
		t.Errorf("range expression rejected: %v", err)
	}
	if err := calc.Validate(domain.ScheduleCron, "not a cron"); err == nil {
		t.Error("garbage accepted")
	}
	// other types are unchanged
	got, _ = calc.Next(domain.ScheduleDaily, "09:00", from)
	if want := date(2024, time.March, 11, 9, 0, 0); !got.Equal(want) {
		t.Errorf("daily via CronCalculator = %v", got)
	}
	if _, ok := CalculatorByName("standard").(CronCalculator); !ok {
		t.Error(`CalculatorByName("standard") is not a CronCalculator`)
	}
}
