// Package loadbalance provides the round-robin schedule the client dispatches
// calls with.
//
// Rotation order lives in a linked list, not in an index over a slice. When
// members come and go the survivors keep their relative order.
package loadbalance

import "errors"

// ErrEmptyPool is returned when there is nothing to pick from.
var ErrEmptyPool = errors.New("loadbalance: empty pool")
