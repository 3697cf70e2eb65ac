package battle

import (
	"io"

	"github.com/sirupsen/logrus"
)

func newTestLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
