package audit_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/bifrost/audit"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

type recordingSink struct {
	conns []string
}

func (r *recordingSink) SecurityEvent(context.Context, string, string) {}
func (r *recordingSink) ConnectionEvent(_ context.Context, kind, connID, deviceID string) {
	r.conns = append(r.conns, kind+":"+connID+":"+deviceID)
}
func (r *recordingSink) AuthenticationEvent(context.Context, string, string, string) {}

func TestLogSinkImplementsSink(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	var _ audit.Sink = audit.NewLogSink(log.NewLogrusLogger(l))
}

func TestBufferedSinkFlushReplaysQueuedEvents(t *testing.T) {
	ctx := context.Background()
	rec := &recordingSink{}
	buf := audit.NewBufferedSink(rec)

	buf.ConnectionEvent(ctx, "opened", "c1", "D1")
	require.Empty(t, rec.conns, "event must not reach the underlying sink before Flush")

	buf.Flush(ctx, "D1")
	require.Equal(t, []string{"opened:c1:D1"}, rec.conns)
}

func TestBufferedSinkPurgeDropsWithoutFlushing(t *testing.T) {
	ctx := context.Background()
	rec := &recordingSink{}
	buf := audit.NewBufferedSink(rec)

	buf.ConnectionEvent(ctx, "opened", "c1", "D1")
	buf.Purge("D1")
	buf.Flush(ctx, "D1")

	require.Empty(t, rec.conns, "purged events must never reach the underlying sink")
}
