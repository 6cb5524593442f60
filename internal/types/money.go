// README: Money value object; amounts are in the currency's minor unit.
package types

import "fmt"

type Money struct {
	Amount   int64
	Currency string
}

func (m Money) IsZero() bool {
	return m.Amount == 0
}

// String renders the amount as major.minor, assuming two decimal places.
func (m Money) String() string {
	sign := ""
	amt := m.Amount
	if amt < 0 {
		sign, amt = "-", -amt
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amt/100, amt%100, m.Currency)
}
