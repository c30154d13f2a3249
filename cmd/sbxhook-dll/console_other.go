//go:build !windows

package main

import "errors"

func allocConsole() error {
	return errors.New("a console can only be allocated on windows, using the standard streams")
}
