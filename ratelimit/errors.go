/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"fmt"
)

// ErrStoreClosed is returned by Store.Consume when the store has been closed.
var ErrStoreClosed = errors.New("rate limit store is closed")

// BlockedIdentifierError is returned by IdentifierResolver.Resolve when the request's
// identifier matches the block list or when a presented API key is malformed.
// It signals that the request must be rejected as forbidden rather than rate-limited.
type BlockedIdentifierError struct {
	Identifier string
}

// Error implements the error interface.
func (e *BlockedIdentifierError) Error() string {
	return fmt.Sprintf("identifier %q is blocked", e.Identifier)
}
