package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

type recorder struct {
	name  string
	err   error
	calls *[]string
}

func (r recorder) Notify(_ context.Context, inc *incident.Incident) error {
	*r.calls = append(*r.calls, r.name+":"+inc.ID)
	return r.err
}

func TestNew_SkipsNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, New())
	assert.Nil(t, New(nil, nil))

	var calls []string
	single := recorder{name: "slack", calls: &calls}
	assert.Equal(t, incident.Notifier(single), New(nil, single))

	both := New(single, nil, recorder{name: "email", calls: &calls})
	require.IsType(t, Fanout{}, both)
	assert.Len(t, both.(Fanout), 2)
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	t.Parallel()

	var calls []string
	slackErr := errors.New("webhook returned 500")
	n := New(
		recorder{name: "slack", err: slackErr, calls: &calls},
		recorder{name: "email", calls: &calls},
	)

	err := n.Notify(context.Background(), &incident.Incident{ID: "INC-20260314-001"})
	require.Error(t, err)
	assert.ErrorIs(t, err, slackErr)
	assert.Equal(t, []string{"slack:INC-20260314-001", "email:INC-20260314-001"}, calls)
}

func TestFanout_AllSucceed(t *testing.T) {
	t.Parallel()

	var calls []string
	n := Fanout{recorder{name: "a", calls: &calls}, recorder{name: "b", calls: &calls}}
	assert.NoError(t, n.Notify(context.Background(), &incident.Incident{ID: "x"}))
	assert.Len(t, calls, 2)
}
