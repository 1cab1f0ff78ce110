package domain

import (
	"fmt"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// BusinessDate is a calendar date rendered as YYYY-MM-DD on every boundary.
type BusinessDate string

func ParseBusinessDate(value string) (BusinessDate, error) {
	value = strings.TrimSpace(value)
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return "", fmt.Errorf("invalid business date %q: want YYYY-MM-DD", value)
	}
	return BusinessDate(t.Format(DateLayout)), nil
}

func BusinessDateFromTime(t time.Time) BusinessDate {
	return BusinessDate(t.Format(DateLayout))
}

func (d BusinessDate) String() string {
	return string(d)
}

// Time returns midnight UTC of the date. Zero when the date is malformed.
func (d BusinessDate) Time() time.Time {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d BusinessDate) Valid() bool {
	parsed, err := ParseBusinessDate(string(d))
	return err == nil && parsed == d
}
