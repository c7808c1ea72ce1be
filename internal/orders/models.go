package orders

import "time"

type PaymentMethod string

const (
	PaymentUPI    PaymentMethod = "upi"
	PaymentCOD    PaymentMethod = "cod"
	PaymentOnline PaymentMethod = "online"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentUPI, PaymentCOD, PaymentOnline:
		return true
	}
	return false
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated caller. UserID 0 means an anonymous caller.
type Actor struct {
	UserID int64
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Owns reports whether the actor may act on an order as its owner. Guest orders have no owner.
func (a Actor) Owns(o Order) bool {
	return o.UserID != nil && a.UserID != 0 && *o.UserID == a.UserID
}

// Money fields are integer minor currency units.
type Order struct {
	ID              int64         `json:"id"`
	UserID          *int64        `json:"user_id"`
	CustomerName    string        `json:"customer_name"`
	CustomerPhone   string        `json:"customer_phone"`
	CustomerEmail   string        `json:"customer_email,omitempty"`
	ShippingAddress string        `json:"shipping_address"`
	Notes           string        `json:"notes,omitempty"`
	TotalAmount     int64         `json:"total_amount"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Status          Status        `json:"status"`
	PaymentLink     *string       `json:"payment_link"`
	Lines           []Line        `json:"items"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Line prices are captured when the order is placed and never change afterwards.
type Line struct {
	ID          int64  `json:"id"`
	OrderID     int64  `json:"order_id"`
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"price"`
}

func (l Line) Subtotal() int64 { return int64(l.Quantity) * l.UnitPrice }

type CartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type Customer struct {
	Name            string `json:"customer_name"`
	Phone           string `json:"customer_phone"`
	Email           string `json:"customer_email"`
	ShippingAddress string `json:"shipping_address"`
}

type SubmitRequest struct {
	UserID        *int64
	Customer      Customer
	Items         []CartLine
	PaymentMethod PaymentMethod
	Notes         string
}

type ListFilter struct {
	UserID *int64
	Status *Status
	Page   int
	Limit  int
}

type Page struct {
	Orders []Order `json:"orders"`
	Page   int     `json:"page"`
	Limit  int     `json:"limit"`
	Total  int     `json:"total"`
	Pages  int     `json:"pages"`
}
