package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ChaosCore/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel                       { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error { return errors.New("offline") }

func TestFanoutDeliversToAllNotifiers(t *testing.T) {
	var buf bytes.Buffer
	mem := &MemoryNotifier{}
	fanout := NewFanout(&LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}, mem, nil)

	cause := xerrors.Wrap(xerrors.CodeTimeout, errors.New("deadline"), "锚定超时", xerrors.WithMetadata("action_id", "a1"))
	require.NoError(t, fanout.Notify(context.Background(), FromError("ledger", "a1", cause)))

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, xerrors.CodeTimeout, events[0].Code)
	assert.Equal(t, "a1", events[0].Metadata["action_id"])

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ledger", record["component"])
	assert.Equal(t, string(xerrors.CodeTimeout), record["code"])
}

func TestFanoutJoinsErrors(t *testing.T) {
	fanout := NewFanout(failingNotifier{}, &MemoryNotifier{})
	err := fanout.Notify(context.Background(), FromError("reward", "a1", errors.New("plain")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel broken")

	var nilFanout *FanoutDispatcher
	assert.NoError(t, nilFanout.Notify(context.Background(), Event{}))
}

func TestFromErrorDefaults(t *testing.T) {
	evt := FromError("ledger", "a1", errors.New("plain"))
	assert.Equal(t, xerrors.CodeUnknown, evt.Code)
	assert.Equal(t, "plain", evt.Message)
	assert.False(t, evt.OccurredAt.IsZero())
}
