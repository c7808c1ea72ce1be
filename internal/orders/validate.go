package orders

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minNameLen    = 2
	minAddressLen = 10

	// maxQuantity bounds one product's quantity in a cart.
	maxQuantity = 10_000
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// normalize trims the free-text fields and fills in the default payment method.
func normalize(req SubmitRequest) SubmitRequest {
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Phone = strings.Join(strings.Fields(req.Customer.Phone), "")
	req.Customer.Email = strings.TrimSpace(req.Customer.Email)
	req.Customer.ShippingAddress = strings.TrimSpace(req.Customer.ShippingAddress)
	req.Notes = strings.TrimSpace(req.Notes)
	if req.PaymentMethod == "" {
		req.PaymentMethod = PaymentUPI
	}
	return req
}

func validateSubmit(req SubmitRequest) error {
	problems := map[string]string{}

	if len(req.Items) == 0 {
		problems["items"] = "order must contain at least one item"
	}
	perProduct := make(map[int64]int, len(req.Items))
	for i, it := range req.Items {
		if it.ProductID < 1 {
			problems[fmt.Sprintf("items[%d].product_id", i)] = "valid product id is required"
		}
		switch {
		case it.Quantity < 1:
			problems[fmt.Sprintf("items[%d].quantity", i)] = "quantity must be at least 1"
		case it.Quantity > maxQuantity:
			problems[fmt.Sprintf("items[%d].quantity", i)] = fmt.Sprintf("quantity must be at most %d", maxQuantity)
		default:
			// both terms are bounded, so the sum cannot overflow
			perProduct[it.ProductID] += it.Quantity
			if perProduct[it.ProductID] > maxQuantity {
				problems[fmt.Sprintf("items[%d].quantity", i)] = fmt.Sprintf(
					"total quantity of product %d must be at most %d", it.ProductID, maxQuantity)
			}
		}
	}

	c := req.Customer
	if utf8.RuneCountInString(c.Name) < minNameLen {
		problems["customer_name"] = "customer name is required"
	}
	if !phonePattern.MatchString(c.Phone) {
		problems["customer_phone"] = "valid phone number is required"
	}
	if c.Email != "" {
		if addr, err := mail.ParseAddress(c.Email); err != nil || addr.Address != c.Email {
			problems["customer_email"] = "valid email is required"
		}
	}
	if utf8.RuneCountInString(c.ShippingAddress) < minAddressLen {
		problems["shipping_address"] = fmt.Sprintf("shipping address must be at least %d characters", minAddressLen)
	}
	if !req.PaymentMethod.Valid() {
		problems["payment_method"] = "invalid payment method"
	}
	if req.UserID != nil && *req.UserID < 1 {
		problems["user_id"] = "user id must be positive"
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
