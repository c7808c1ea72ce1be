// Package payment builds UPI payment-request links for orders.
package payment

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	scheme          = "upi"
	referencePrefix = "Order "
)

var ErrMalformedLink = errors.New("payment: malformed upi link")

// UPI holds the merchant side of every link. The zero Currency is invalid; use NewUPI.
type UPI struct {
	VPA      string
	Name     string
	Currency currency.Unit
	scale    int32
}

func NewUPI(vpa, name, isoCurrency string) (UPI, error) {
	if vpa == "" {
		return UPI{}, errors.New("payment: merchant vpa is required")
	}
	cur, err := currency.ParseISO(isoCurrency)
	if err != nil {
		return UPI{}, fmt.Errorf("currency.ParseISO[%s]: %w", isoCurrency, err)
	}
	return UPI{VPA: vpa, Name: name, Currency: cur, scale: minorScale(cur)}, nil
}

func MustNewUPI(vpa, name, isoCurrency string) UPI {
	u, err := NewUPI(vpa, name, isoCurrency)
	if err != nil {
		panic(err)
	}
	return u
}

// Link renders the payment request for an order total given in minor units. Parameters are
// always written in the same order, so equal inputs give byte-equal links.
func (u UPI) Link(totalMinor int64, orderID int64) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://pay?pa=")
	b.WriteString(escape(u.VPA))
	b.WriteString("&pn=")
	b.WriteString(escape(u.Name))
	b.WriteString("&tn=")
	b.WriteString(escape(Reference(orderID)))
	b.WriteString("&am=")
	b.WriteString(decimal.New(totalMinor, -u.scale).StringFixed(u.scale))
	b.WriteString("&cu=")
	b.WriteString(u.Currency.String())
	return b.String()
}

// Reference is the human-readable order reference placed in the link note.
func Reference(orderID int64) string {
	return referencePrefix + strconv.FormatInt(orderID, 10)
}

// Request is a decoded payment link.
type Request struct {
	VPA         string
	Name        string
	Reference   string
	OrderID     int64
	AmountMinor int64
	Currency    currency.Unit
}

func ParseLink(link string) (Request, error) {
	var r Request

	u, err := url.Parse(link)
	if err != nil {
		return r, fmt.Errorf("url.Parse: %w", err)
	}
	if u.Scheme != scheme || u.Host != "pay" {
		return r, fmt.Errorf("unexpected target %s://%s: %w", u.Scheme, u.Host, ErrMalformedLink)
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return r, fmt.Errorf("url.ParseQuery: %w", err)
	}

	r.Currency, err = currency.ParseISO(q.Get("cu"))
	if err != nil {
		return r, fmt.Errorf("currency[%s] is not valid: %w", q.Get("cu"), err)
	}

	amount, err := decimal.NewFromString(q.Get("am"))
	if err != nil {
		return r, fmt.Errorf("amount[%s]: %w", q.Get("am"), err)
	}
	minor := amount.Shift(minorScale(r.Currency))
	if !minor.IsInteger() {
		return r, fmt.Errorf("amount[%s] has too many decimals: %w", q.Get("am"), ErrMalformedLink)
	}
	r.AmountMinor = minor.IntPart()

	r.Reference = q.Get("tn")
	idPart, ok := strings.CutPrefix(r.Reference, referencePrefix)
	if !ok {
		return r, fmt.Errorf("reference[%s]: %w", r.Reference, ErrMalformedLink)
	}
	r.OrderID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return r, fmt.Errorf("reference[%s]: %w", r.Reference, err)
	}

	r.VPA = q.Get("pa")
	r.Name = q.Get("pn")
	return r, nil
}

func minorScale(cur currency.Unit) int32 {
	scale, _ := currency.Standard.Rounding(cur)
	return int32(scale)
}

// escape percent-encodes a query component. Spaces become %20 rather than '+', which some
// UPI apps do not decode, and '@' stays literal so the VPA remains readable.
func escape(s string) string {
	return escaper.Replace(url.QueryEscape(s))
}

var escaper = strings.NewReplacer("+", "%20", "%40", "@")
