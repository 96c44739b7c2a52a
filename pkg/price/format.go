package price

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/nainya/entitystore/pkg/entity"
)

// DefaultPrinterCacheSize bounds the number of cached locale printers
const DefaultPrinterCacheSize = 64

// Formatter renders amounts as localized currency text
type Formatter struct {
	locales *lru.Cache[string, *localeFormat]
}

// localeFormat is the printer of one locale plus its decimal separator
type localeFormat struct {
	printer   *message.Printer
	separator string
}

// NewFormatter creates a formatter caching up to size locale printers
func NewFormatter(size int) (*Formatter, error) {
	if size <= 0 {
		size = DefaultPrinterCacheSize
	}
	locales, err := lru.New[string, *localeFormat](size)
	if err != nil {
		return nil, errors.Wrap(err, "create printer cache")
	}
	return &Formatter{locales: locales}, nil
}

// Format renders amount in currency for locale. A locale is always required.
// The amount is rounded to the currency's standard scale from its exact
// decimal digits, never through a float.
func (f *Formatter) Format(amount decimal.Decimal, currencyCode, locale string) (string, error) {
	if locale == "" {
		return "", entity.Invalid("locale", nil, "locale is required for currency formatting")
	}
	unit, err := currency.ParseISO(strings.ToUpper(currencyCode))
	if err != nil {
		return "", entity.Invalid("currency", currencyCode, "unknown currency")
	}
	lf, err := f.locale(locale)
	if err != nil {
		return "", err
	}

	scale, _ := currency.Standard.Rounding(unit)
	rounded := amount.Round(int32(scale))
	whole := rounded.Abs().Truncate(0)

	var b strings.Builder
	b.WriteString(lf.printer.Sprint(currency.Symbol(unit)))
	b.WriteByte(' ')
	if rounded.IsNegative() {
		b.WriteByte('-')
	}
	if digits := whole.BigInt(); digits.IsInt64() {
		b.WriteString(lf.printer.Sprint(number.Decimal(digits.Int64(), number.Scale(0))))
	} else {
		// grouping is only available for int64 magnitudes
		b.WriteString(digits.String())
	}
	if scale > 0 {
		fraction := rounded.Abs().Sub(whole).Shift(int32(scale)).BigInt().String()
		b.WriteString(lf.separator)
		b.WriteString(strings.Repeat("0", scale-len(fraction)))
		b.WriteString(fraction)
	}
	return b.String(), nil
}

func (f *Formatter) locale(locale string) (*localeFormat, error) {
	if lf, ok := f.locales.Get(locale); ok {
		return lf, nil
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return nil, entity.Invalid("locale", locale, "invalid locale")
	}
	p := message.NewPrinter(tag)
	sample := p.Sprint(number.Decimal(1.5, number.Scale(1)))
	lf := &localeFormat{
		printer:   p,
		separator: strings.TrimSuffix(strings.TrimPrefix(sample, "1"), "5"),
	}
	f.locales.Add(locale, lf)
	return lf, nil
}
