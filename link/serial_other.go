//go:build !linux

package link

import (
	"os"

	"github.com/juju/errors"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, errors.NotSupportedf("serial link on this platform")
}
