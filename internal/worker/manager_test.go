package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWorker struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeWorker) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start:"+f.name)
	return nil
}

func (f *fakeWorker) Stop()        { *f.log = append(*f.log, "stop:"+f.name) }
func (f *fakeWorker) Name() string { return f.name }

func TestManagerStopsInReverseOrder(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	m.Register(&fakeWorker{name: "a", log: &log})
	m.Register(&fakeWorker{name: "b", log: &log})
	m.Register(&fakeWorker{name: "c", log: &log})

	require.NoError(t, m.StartAll(context.Background()))
	m.StopAll()

	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}, log)
	assert.Equal(t, 3, m.Count())
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	m.Register(&fakeWorker{name: "a", log: &log})
	m.Register(&fakeWorker{name: "b", startErr: errors.New("port in use"), log: &log})
	m.Register(&fakeWorker{name: "c", log: &log})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")

	// The worker that came up before the failure is stopped again; c never ran.
	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}

func TestManagerStopAllIsIdempotent(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	m.Register(&fakeWorker{name: "a", log: &log})

	require.NoError(t, m.StartAll(context.Background()))
	m.StopAll()
	m.StopAll()

	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}
