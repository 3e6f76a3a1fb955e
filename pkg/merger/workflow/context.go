package workflow

import (
	"github.com/open-data-works/goldsink/pkg/merger/activity"
	"github.com/open-data-works/goldsink/pkg/temporal"
)

type Context struct {
	TemporalClient  *temporal.Client
	ActivityContext *activity.Context
}
