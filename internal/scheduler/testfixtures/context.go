package testfixtures

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/greensched/greensched/internal/common/schedcontext"
)

// Context returns a scheduler context whose logger discards everything.
func Context() *schedcontext.Context {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return schedcontext.New(context.Background(), logrus.NewEntry(log))
}
