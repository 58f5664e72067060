// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"errors"
	"fmt"
)

// Configuration errors returned by Start
var (
	ErrNoDispatch     = errors.New("downstream: no dispatch registered")
	ErrAlreadyStarted = errors.New("downstream: gateway already started")
)

// PublishError is returned when the transport refused a publish
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("downstream: could not publish on %s: %s", e.Topic, e.Err)
}

// Unwrap returns the transport error
func (e *PublishError) Unwrap() error {
	return e.Err
}
