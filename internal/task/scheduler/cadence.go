package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tasksched/internal/task"
)

// Cadence strings accepted by ParseCadence:
//   - "once" (also "one-time", "oneshot"): a one-time task
//   - Go duration: "1s", "250ms", "2h30m"
//   - HH:MM interval: "00:50" (50 minutes), "02:30"
//   - "@every <duration>", "every <duration>", "interval:<duration>"
//   - cron descriptors and crontab expressions ("@hourly", "*/5 * * * *",
//     "*/10 * * * * *") as long as they fire on a fixed interval
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// cronSamples is how many consecutive activations are compared when checking
// that a cron expression is a fixed interval.
const cronSamples = 48

// ParseCadence turns a configuration string into a task.Cadence.
func ParseCadence(raw string) (task.Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return task.Cadence{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch low {
	case "once", "one-time", "onetime", "oneshot":
		return task.OneTime(), nil
	}

	for _, prefix := range []string{"@every ", "every ", "every:", "interval:"} {
		if strings.HasPrefix(low, prefix) {
			return parseInterval(strings.TrimSpace(s[len(prefix):]))
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	c, err := parseInterval(s)
	if err != nil {
		return task.Cadence{}, fmt.Errorf(
			"invalid schedule %q (use \"once\", a duration like '1s', HH:MM like '02:30', or a fixed-rate cron like '*/5 * * * *')",
			raw,
		)
	}
	return c, nil
}

func parseInterval(v string) (task.Cadence, error) {
	if v == "" {
		return task.Cadence{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return task.Cadence{}, fmt.Errorf("invalid minutes in %q", v)
		}
		return periodic(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return task.Cadence{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	return periodic(d)
}

// parseCron accepts a cron expression only if consecutive activations are
// evenly spaced, since the loop tracks a single interval per entry.
func parseCron(expr string) (task.Cadence, error) {
	if expr == "" {
		return task.Cadence{}, fmt.Errorf("cron schedule required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return task.Cadence{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}

	at := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	prev := sched.Next(at)
	if prev.IsZero() {
		return task.Cadence{}, fmt.Errorf("cron %q never fires", expr)
	}
	var step time.Duration
	for range cronSamples {
		next := sched.Next(prev)
		if next.IsZero() {
			return task.Cadence{}, fmt.Errorf("cron %q never fires again", expr)
		}
		d := next.Sub(prev)
		if step == 0 {
			step = d
		} else if d != step {
			return task.Cadence{}, fmt.Errorf("cron %q is not a fixed interval (%s then %s)", expr, step, d)
		}
		prev = next
	}
	return periodic(step)
}

func periodic(d time.Duration) (task.Cadence, error) {
	if d <= 0 {
		return task.Cadence{}, fmt.Errorf("interval must be > 0")
	}
	return task.Periodic(d), nil
}
