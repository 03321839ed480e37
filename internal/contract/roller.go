// Package contract resolves the front-month quarterly futures contract and
// decides when to roll to the next one.
package contract

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var monthCodes = map[time.Month]byte{
	time.March:     'H',
	time.June:      'M',
	time.September: 'U',
	time.December:  'Z',
}

var codeMonths = map[byte]time.Month{
	'H': time.March,
	'M': time.June,
	'U': time.September,
	'Z': time.December,
}

// ExpirationDate returns the third Friday of month.
func ExpirationDate(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// Symbol formats root, month code and last digit of year, e.g. ESM6.
func Symbol(root string, year int, month time.Month) string {
	code, ok := monthCodes[month]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s%c%d", root, code, year%10)
}

// ParseSymbol splits a symbol like ESM6 into its root and contract month.
// The year is resolved to fall between one year before and eight years
// after ref.
func ParseSymbol(symbol string, ref time.Time) (root string, year int, month time.Month, err error) {
	if len(symbol) < 3 {
		return "", 0, 0, fmt.Errorf("contract symbol %q too short", symbol)
	}
	digit, err := strconv.Atoi(symbol[len(symbol)-1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("contract symbol %q: bad year digit", symbol)
	}
	code := strings.ToUpper(symbol[len(symbol)-2 : len(symbol)-1])[0]
	month, ok := codeMonths[code]
	if !ok {
		return "", 0, 0, fmt.Errorf("contract symbol %q: not a quarterly month code", symbol)
	}
	year = ref.Year() - ref.Year()%10 + digit
	switch {
	case year < ref.Year()-1:
		year += 10
	case year > ref.Year()+8:
		year -= 10
	}
	return symbol[:len(symbol)-2], year, month, nil
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// frontMonth walks the quarterly cycle from asOf's month and returns the first
// contract whose roll date is strictly after asOf.
func frontMonth(asOf time.Time, rollDaysBefore int) (int, time.Month) {
	day := dateOf(asOf)
	year, month := day.Year(), day.Month()
	for month%3 != 0 {
		month++
	}
	for {
		roll := ExpirationDate(year, month).AddDate(0, 0, -rollDaysBefore)
		if roll.After(day) {
			return year, month
		}
		month += 3
		if month > time.December {
			month = time.March
			year++
		}
	}
}

// ResolveFrontMonth returns the contract symbol to trade on asOf.
func ResolveFrontMonth(root string, asOf time.Time, rollDaysBefore int) string {
	y, m := frontMonth(asOf, rollDaysBefore)
	return Symbol(root, y, m)
}

// NextRollDate returns the date on which the current front month is rolled.
func NextRollDate(asOf time.Time, rollDaysBefore int) time.Time {
	y, m := frontMonth(asOf, rollDaysBefore)
	return ExpirationDate(y, m).AddDate(0, 0, -rollDaysBefore)
}

// CheckRollNeeded reports whether current differs from the front month as of
// asOf, and which contract should be traded. It never rolls to a contract
// that expires before current.
func CheckRollNeeded(current, root string, asOf time.Time, rollDaysBefore int) (bool, string) {
	front := ResolveFrontMonth(root, asOf, rollDaysBefore)
	if strings.EqualFold(front, current) {
		return false, current
	}
	if later, err := expiresAfter(front, current, asOf); err == nil && !later {
		return false, current
	}
	return true, front
}

// expiresAfter reports whether contract a expires after contract b.
func expiresAfter(a, b string, ref time.Time) (bool, error) {
	_, ay, am, err := ParseSymbol(a, ref)
	if err != nil {
		return false, err
	}
	_, by, bm, err := ParseSymbol(b, ref)
	if err != nil {
		return false, err
	}
	return ExpirationDate(ay, am).After(ExpirationDate(by, bm)), nil
}
