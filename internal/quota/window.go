package quota

import (
	"fmt"
	"time"

	"github.com/xela07ax/governor/internal/domain"
)

// Window: окно накопления счетчика. ID меняется ровно на границе окна,
// поэтому сравнение ID достаточно для ленивого сброса.
type Window struct {
	ID  string
	End time.Time
}

// WindowFor возвращает окно счетчика на момент now (UTC).
// concurrent_runs бессрочный: ID пустой, End нулевой.
func WindowFor(c domain.Counter, now time.Time) Window {
	now = now.UTC()
	switch c {
	case domain.CounterRequestsMinute:
		start := now.Truncate(time.Minute)
		return Window{ID: "m" + start.Format("200601021504"), End: start.Add(time.Minute)}
	case domain.CounterSpendDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return Window{ID: "d" + start.Format("20060102"), End: start.AddDate(0, 0, 1)}
	case domain.CounterActionsWeek:
		year, week := now.ISOWeek()
		// Неделя по ISO начинается в понедельник
		offset := (int(now.Weekday()) + 6) % 7
		start := time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, time.UTC)
		return Window{ID: fmt.Sprintf("w%04d-%02d", year, week), End: start.AddDate(0, 0, 7)}
	case domain.CounterTokensMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{ID: "mo" + start.Format("200601"), End: start.AddDate(0, 1, 0)}
	default:
		return Window{}
	}
}
