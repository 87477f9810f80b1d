//go:build noprom

package metrics

import "errors"

// Builds tagged noprom keep the noop recorder and report why.
func enablePrometheus(string) error {
	return errors.New("prometheus support not compiled in (noprom build tag)")
}
