package orders

import "strconv"

// DefaultTopic carries every order event; consumers switch on the envelope's event type.
const DefaultTopic = "shop.orders.events"

// PartitionKey keeps all events of one order on one partition, in order.
func PartitionKey(orderID int64) []byte { return []byte(strconv.FormatInt(orderID, 10)) }
