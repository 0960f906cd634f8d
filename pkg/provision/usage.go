package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// UsageTracker receives billing-relevant lifecycle facts. Emission is
// best-effort: a failing tracker is logged and never blocks pod work.
type UsageTracker interface {
	Record(ctx context.Context, event UsageEvent) error
}

// UsageEvent marks a pod starting or stopping to consume host resources
type UsageEvent struct {
	PodID    string
	ServerID string
	Action   string
	At       time.Time
}

// LogUsageTracker writes usage events to the log. It is the default sink
// when no billing integration is wired in.
type LogUsageTracker struct {
	Log *logrus.Entry
}

func (t *LogUsageTracker) Record(_ context.Context, event UsageEvent) error {
	t.Log.Info(fmt.Sprintf("usage: pod %s %s on server %s", event.PodID, event.Action, event.ServerID))
	return nil
}
