// Package markethours is the NSE trading calendar. The engine uses it to
// log in and reset daily risk shortly before each session opens.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Calendar answers trading-day questions. Trading days are weekdays that are
// not listed holidays.
type Calendar struct {
	holidays map[string]bool
	now      func() time.Time
}

// NewCalendar builds a calendar from holiday dates in YYYY-MM-DD form.
func NewCalendar(holidays []string) (*Calendar, error) {
	c := &Calendar{holidays: make(map[string]bool, len(holidays)), now: time.Now}
	for _, h := range holidays {
		d, err := time.ParseInLocation("2006-01-02", h, IST)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		c.holidays[dateKey(d)] = true
	}
	return c, nil
}

// IsHoliday returns true if the date (in IST) is a listed holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[dateKey(t)]
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !c.IsHoliday(t)
}

// IsOpen returns true if t falls within trading hours on a trading day.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// NextOpen returns the first market open strictly after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	d := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if !ist.Before(d) {
		d = d.AddDate(0, 0, 1)
	}
	// weekends plus the longest holiday run stay well inside two weeks
	for i := 0; i < 14 && !c.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Close returns the close time on t's date.
func (c *Calendar) Close(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// Status returns a human-readable market status.
func (c *Calendar) Status(t time.Time) string {
	if c.IsOpen(t) {
		return fmt.Sprintf("market open, closes in %s", fmtDur(c.Close(t).Sub(t)))
	}
	next := c.NextOpen(t).In(IST)
	return fmt.Sprintf("market closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func dateKey(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
