package timer

import "fmt"

// Position of a reading relative to a window.
type Position int

const (
	Below Position = iota
	InWindow
	Above
)

func (p Position) String() string {
	return [...]string{"below", "in-window", "above"}[p]
}

// Window is the inclusive [Lower, Upper] range that qualifies for notification.
type Window struct {
	Lower Reading
	Upper Reading
}

// ParseWindow parses both bounds and checks their order.
func ParseWindow(lower, upper string) (Window, error) {
	lo, err := ParseReading(lower)
	if err != nil {
		return Window{}, fmt.Errorf("lower bound: %w", err)
	}
	hi, err := ParseReading(upper)
	if err != nil {
		return Window{}, fmt.Errorf("upper bound: %w", err)
	}
	w := Window{Lower: lo, Upper: hi}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate checks both bounds are set and ordered.
func (w Window) Validate() error {
	if !w.Lower.Valid || !w.Upper.Valid {
		return fmt.Errorf("window bounds must be valid readings")
	}
	if w.Lower.Total() > w.Upper.Total() {
		return fmt.Errorf("window lower bound %s exceeds upper bound %s", w.Lower, w.Upper)
	}
	return nil
}

// Evaluate places r relative to the window; both bounds are inclusive.
func (w Window) Evaluate(r Reading) Position {
	return Evaluate(r, w.Lower, w.Upper)
}

// Evaluate places r relative to [lower, upper] by total seconds.
func Evaluate(r, lower, upper Reading) Position {
	switch t := r.Total(); {
	case t < lower.Total():
		return Below
	case t > upper.Total():
		return Above
	default:
		return InWindow
	}
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Lower, w.Upper)
}
