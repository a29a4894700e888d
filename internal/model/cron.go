package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a 5 field cron expression or a @macro and returns the
// interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}
	var (
		schedule cron.Schedule
		err      error
	)
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		schedule, err = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

// days, then the time part; only seconds take a fraction
var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

var isoUnits = [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses the day and time subset of ISO-8601 durations
// tapedeck configs use, like P1D, PT30M or PT0.05S.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	var ret time.Duration
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		d, err := isoComponent(part, isoUnits[i])
		if err != nil {
			return 0, err
		}
		ret += d
	}
	return ret, nil
}

func isoComponent(s string, unit time.Duration) (time.Duration, error) {
	whole, frac, _ := strings.Cut(strings.Replace(s, ",", ".", 1), ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
	}
	d := time.Duration(n) * unit
	if frac != "" {
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		d += time.Duration(f) * (unit / time.Duration(math.Pow10(len(frac))))
	}
	return d, nil
}
